package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"bringyour.com/statesync/state"
)

/*
Frame envelope:
    varint message type | varint body length | body

A frame with an unknown message type decodes to `ErrUnknownMessageType`
and the reader skips it.
*/

type Frame struct {
	MessageType  MessageType
	MessageBytes []byte
}

func ToFrame(message Message) *Frame {
	return &Frame{
		MessageType:  message.MessageType(),
		MessageBytes: message.appendBody(nil),
	}
}

func newMessage(messageType MessageType) (Message, bool) {
	switch messageType {
	case MessageTypeHandshake:
		return &Handshake{}, true
	case MessageTypeHandshakeAck:
		return &HandshakeAck{}, true
	case MessageTypeSnapshot:
		return &Snapshot{}, true
	case MessageTypeUpdate:
		return &Update{}, true
	case MessageTypeSubscribe:
		return &Subscribe{}, true
	case MessageTypeUnsubscribe:
		return &Unsubscribe{}, true
	case MessageTypeReject:
		return &Reject{}, true
	case MessageTypeSignalInvoke:
		return &SignalInvoke{}, true
	case MessageTypeSignalResult:
		return &SignalResult{}, true
	case MessageTypeBlockingBegin:
		return &BlockingBegin{}, true
	case MessageTypeBlockingChunk:
		return &BlockingChunk{}, true
	case MessageTypeBlockingEnd:
		return &BlockingEnd{}, true
	case MessageTypeBlockingAck:
		return &BlockingAck{}, true
	case MessageTypeBlockingAbort:
		return &BlockingAbort{}, true
	case MessageTypeDisconnect:
		return &Disconnect{}, true
	default:
		return nil, false
	}
}

func FromFrame(frame *Frame) (Message, error) {
	message, ok := newMessage(frame.MessageType)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, frame.MessageType)
	}
	if err := message.decodeBody(frame.MessageBytes); err != nil {
		return nil, err
	}
	return message, nil
}

func AppendFrame(b []byte, message Message) []byte {
	body := message.appendBody(nil)
	b = protowire.AppendVarint(b, uint64(message.MessageType()))
	return protowire.AppendBytes(b, body)
}

func EncodeFrame(message Message) []byte {
	return AppendFrame(nil, message)
}

func ParseFrame(b []byte) (*Frame, error) {
	messageType, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, &state.DecodeError{Reason: fmt.Sprintf("frame type: %s", protowire.ParseError(n))}
	}
	if math.MaxUint32 < messageType {
		return nil, &state.DecodeError{Reason: fmt.Sprintf("frame type %d overflows uint32", messageType)}
	}
	body, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return nil, &state.DecodeError{Reason: fmt.Sprintf("frame body: %s", protowire.ParseError(m))}
	}
	if n+m != len(b) {
		return nil, &state.DecodeError{Reason: fmt.Sprintf("frame has %d trailing bytes", len(b)-n-m)}
	}
	return &Frame{
		MessageType:  MessageType(messageType),
		MessageBytes: body,
	}, nil
}

// DecodeFrame decodes one whole transport message.
func DecodeFrame(b []byte) (Message, error) {
	frame, err := ParseFrame(b)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
