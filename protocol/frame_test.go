package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"bringyour.com/statesync/state"
)

func TestFrameHandshake(t *testing.T) {
	handshake := &Handshake{
		ProtocolVersion: ProtocolVersion,
		Features:        []string{"blocking", "signals"},
		SchemaHash:      0xfeedface12345678,
		AuthToken:       "token",
	}
	message, err := DecodeFrame(EncodeFrame(handshake))
	assert.Equal(t, err, nil)
	assert.Equal(t, handshake, message)
}

func TestFrameSnapshot(t *testing.T) {
	enumType := state.EnumType(
		state.Variant{Discriminant: 0, Name: "a"},
		state.Variant{Discriminant: 1, Name: "b"},
	)
	snapshot := &Snapshot{
		Entries: []SnapshotEntry{
			{
				Id:      1,
				Version: 1,
				Name:    "a",
				Type:    state.IntType(64),
				Value:   state.Encode(state.Int(5)),
			},
			{
				Id:      2,
				Version: 3,
				Name:    "mode",
				Type:    enumType,
				Access:  state.ReadOnly,
				Value:   state.Encode(state.Enum{Discriminant: 1}),
			},
			{
				Id:       3,
				Version:  9,
				Name:     "image",
				Type:     state.BlobType(),
				Deferred: true,
			},
		},
	}
	message, err := DecodeFrame(EncodeFrame(snapshot))
	assert.Equal(t, err, nil)
	assert.Equal(t, snapshot, message)

	decoded := message.(*Snapshot)
	v, err := state.Decode(decoded.Entries[1].Value, decoded.Entries[1].Type)
	assert.Equal(t, err, nil)
	assert.Equal(t, state.Enum{Discriminant: 1}, v)
}

func TestFrameSignals(t *testing.T) {
	invoke := &SignalInvoke{
		CallId:     7,
		Name:       "add",
		Args:       EncodeValues([]state.Value{state.Int(1), state.String("x")}),
		WantResult: true,
	}
	message, err := DecodeFrame(EncodeFrame(invoke))
	assert.Equal(t, err, nil)
	assert.Equal(t, invoke, message)

	args, err := DecodeValues(message.(*SignalInvoke).Args)
	assert.Equal(t, err, nil)
	assert.Equal(t, []state.Value{state.Int(1), state.String("x")}, args)

	result := &SignalResult{
		CallId:  7,
		Name:    "add",
		Results: [][]byte{},
		Code:    CodeNoHandler,
	}
	message, err = DecodeFrame(EncodeFrame(result))
	assert.Equal(t, err, nil)
	assert.Equal(t, result, message)
	assert.Equal(t, true, errors.Is(message.(*SignalResult).Code.Err(), ErrNoHandler))
}

func TestFrameBlocking(t *testing.T) {
	var transferId TransferId
	for i := range transferId {
		transferId[i] = byte(i)
	}
	messages := []Message{
		&BlockingBegin{TransferId: transferId, StateId: 4, Version: 2, TotalLen: 1 << 20},
		&BlockingChunk{TransferId: transferId, Offset: 4096, Bytes: []byte{1, 2, 3}},
		&BlockingEnd{TransferId: transferId},
		&BlockingAck{TransferId: transferId, Offset: 4099, Complete: true},
		&BlockingAbort{TransferId: transferId, Code: CodeTransferBusy},
	}
	for _, m := range messages {
		message, err := DecodeFrame(EncodeFrame(m))
		assert.Equal(t, err, nil)
		assert.Equal(t, m, message)
	}
}

func TestFrameDeltaUpdate(t *testing.T) {
	graphAppend := state.EncodeDelta(state.GraphAppend{Y: []float64{1, 2}})
	update := &Update{
		Id:          4,
		Version:     7,
		BaseVersion: 5,
		Deltas:      [][]byte{graphAppend, graphAppend},
	}
	assert.Equal(t, true, update.IsDelta())
	message, err := DecodeFrame(EncodeFrame(update))
	assert.Equal(t, err, nil)
	assert.Equal(t, update, message)

	// a full update carries no deltas
	message, err = DecodeFrame(EncodeFrame(&Update{Id: 4, Version: 8, Value: state.Encode(state.Int(1))}))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, message.(*Update).IsDelta())
}

func TestFrameUnknownFieldSkipped(t *testing.T) {
	update := &Update{Id: 3, Version: 5, Value: state.Encode(state.Bool(true))}
	body := update.appendBody(nil)
	body = protowire.AppendTag(body, 99, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("future"))
	body = protowire.AppendTag(body, 100, protowire.VarintType)
	body = protowire.AppendVarint(body, 12345)

	message, err := FromFrame(&Frame{MessageType: MessageTypeUpdate, MessageBytes: body})
	assert.Equal(t, err, nil)
	assert.Equal(t, update, message)
}

func TestFrameUnknownMessageType(t *testing.T) {
	var b []byte
	b = protowire.AppendVarint(b, 1000)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})

	frame, err := ParseFrame(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageType(1000), frame.MessageType)

	_, err = DecodeFrame(b)
	assert.Equal(t, true, errors.Is(err, ErrUnknownMessageType))
	assert.Equal(t, false, errors.Is(err, state.ErrDecode))
}

func TestFrameMalformed(t *testing.T) {
	b := EncodeFrame(&Update{Id: 3, Version: 5, Value: state.Encode(state.Int(5))})
	for i := 0; i < len(b); i += 1 {
		_, err := DecodeFrame(b[:i])
		assert.Equal(t, true, errors.Is(err, state.ErrDecode))
	}
	_, err := DecodeFrame(append(b, 0))
	assert.Equal(t, true, errors.Is(err, state.ErrDecode))
}

func TestCodes(t *testing.T) {
	assert.Equal(t, nil, CodeNone.Err())
	assert.Equal(t, CodeNone, CodeOf(nil))

	for code := range codeErrors {
		assert.Equal(t, code, CodeOf(code.Err()))
		assert.Equal(t, code, CodeOf(fmt.Errorf("wrapped: %w", code.Err())))
	}

	assert.Equal(t, CodeUnknownVariant, CodeOf(&state.UnknownVariantError{Discriminant: 3}))
	assert.Equal(t, CodeDecode, CodeOf(&state.DecodeError{Reason: "bad"}))
	assert.Equal(t, CodeHandlerFailed, CodeOf(errors.New("anything else")))
}

func TestFrameUint32Overflow(t *testing.T) {
	// a version of 2^32 + 2 must not wrap to 2
	body := protowire.AppendTag(nil, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, (1<<32)+ProtocolVersion)
	b := protowire.AppendVarint(nil, uint64(MessageTypeHandshake))
	b = protowire.AppendBytes(b, body)
	_, err := DecodeFrame(b)
	assert.Equal(t, true, errors.Is(err, state.ErrDecode))

	body = protowire.AppendTag(nil, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, (1<<32)+uint64(CodeReplaced))
	b = protowire.AppendVarint(nil, uint64(MessageTypeDisconnect))
	b = protowire.AppendBytes(b, body)
	_, err = DecodeFrame(b)
	assert.Equal(t, true, errors.Is(err, state.ErrDecode))

	b = protowire.AppendVarint(nil, (1<<32)+uint64(MessageTypeUpdate))
	b = protowire.AppendBytes(b, nil)
	_, err = DecodeFrame(b)
	assert.Equal(t, true, errors.Is(err, state.ErrDecode))
}
