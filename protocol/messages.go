package protocol

import (
	"fmt"
	"math"

	"bringyour.com/statesync/state"

	"google.golang.org/protobuf/encoding/protowire"
)

// the protocol version this build speaks
const ProtocolVersion = 2

// the oldest client protocol version a host accepts
const MinProtocolVersion = 2

type MessageType uint32

const (
	MessageTypeHandshake     MessageType = 1
	MessageTypeHandshakeAck  MessageType = 2
	MessageTypeSnapshot      MessageType = 3
	MessageTypeUpdate        MessageType = 4
	MessageTypeSubscribe     MessageType = 5
	MessageTypeUnsubscribe   MessageType = 6
	MessageTypeReject        MessageType = 7
	MessageTypeSignalInvoke  MessageType = 8
	MessageTypeSignalResult  MessageType = 9
	MessageTypeBlockingBegin MessageType = 10
	MessageTypeBlockingChunk MessageType = 11
	MessageTypeBlockingEnd   MessageType = 12
	MessageTypeBlockingAck   MessageType = 13
	MessageTypeBlockingAbort MessageType = 14
	MessageTypeDisconnect    MessageType = 15
)

var messageTypeNames = map[MessageType]string{
	MessageTypeHandshake:     "handshake",
	MessageTypeHandshakeAck:  "handshake_ack",
	MessageTypeSnapshot:      "snapshot",
	MessageTypeUpdate:        "update",
	MessageTypeSubscribe:     "subscribe",
	MessageTypeUnsubscribe:   "unsubscribe",
	MessageTypeReject:        "reject",
	MessageTypeSignalInvoke:  "signal_invoke",
	MessageTypeSignalResult:  "signal_result",
	MessageTypeBlockingBegin: "blocking_begin",
	MessageTypeBlockingChunk: "blocking_chunk",
	MessageTypeBlockingEnd:   "blocking_end",
	MessageTypeBlockingAck:   "blocking_ack",
	MessageTypeBlockingAbort: "blocking_abort",
	MessageTypeDisconnect:    "disconnect",
}

func (self MessageType) String() string {
	if name, ok := messageTypeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("message_type(%d)", uint32(self))
}

// Message bodies use protobuf wire format. Unknown fields are skipped.
type Message interface {
	MessageType() MessageType

	appendBody(b []byte) []byte
	decodeBody(b []byte) error
}

type TransferId [16]byte

type Handshake struct {
	ProtocolVersion uint32
	Features        []string
	// 0 skips the schema check
	SchemaHash uint64
	AuthToken  string
}

type HandshakeAck struct {
	ProtocolVersion uint32
	Features        []string
	SchemaHash      uint64
	SessionId       [16]byte
}

type SnapshotEntry struct {
	Id      state.StateId
	Version uint64
	Name    string
	Type    state.Type
	Access  state.Access
	// encoded value. empty when deferred
	Value []byte
	// the value follows as a blocking transfer
	Deferred bool
}

type Snapshot struct {
	Entries []SnapshotEntry
}

// Update carries one slot value. Downstream the version is authoritative.
// Upstream it is the client's base version.
// Update carries a full value, or encoded deltas that take `BaseVersion` to `Version`.
type Update struct {
	Id      state.StateId
	Version uint64
	Value   []byte
	// host to client only
	BaseVersion uint64
	Deltas      [][]byte
}

func (self *Update) IsDelta() bool {
	return 0 < len(self.Deltas)
}

type Subscribe struct {
	Ids []state.StateId
}

type Unsubscribe struct {
	Ids []state.StateId
}

type Reject struct {
	Id   state.StateId
	Code Code
}

type SignalInvoke struct {
	CallId uint64
	Name   string
	// encoded values
	Args       [][]byte
	WantResult bool
}

type SignalResult struct {
	CallId  uint64
	Name    string
	Results [][]byte
	Code    Code
}

type BlockingBegin struct {
	TransferId TransferId
	StateId    state.StateId
	Version    uint64
	TotalLen   uint64
}

type BlockingChunk struct {
	TransferId TransferId
	Offset     uint64
	Bytes      []byte
}

type BlockingEnd struct {
	TransferId TransferId
}

// BlockingAck acknowledges bytes up to `Offset`. `Complete` frees the sender slot.
type BlockingAck struct {
	TransferId TransferId
	Offset     uint64
	Complete   bool
}

type BlockingAbort struct {
	TransferId TransferId
	Code       Code
}

type Disconnect struct {
	Code Code
}

func (self *Handshake) MessageType() MessageType     { return MessageTypeHandshake }
func (self *HandshakeAck) MessageType() MessageType  { return MessageTypeHandshakeAck }
func (self *Snapshot) MessageType() MessageType      { return MessageTypeSnapshot }
func (self *Update) MessageType() MessageType        { return MessageTypeUpdate }
func (self *Subscribe) MessageType() MessageType     { return MessageTypeSubscribe }
func (self *Unsubscribe) MessageType() MessageType   { return MessageTypeUnsubscribe }
func (self *Reject) MessageType() MessageType        { return MessageTypeReject }
func (self *SignalInvoke) MessageType() MessageType  { return MessageTypeSignalInvoke }
func (self *SignalResult) MessageType() MessageType  { return MessageTypeSignalResult }
func (self *BlockingBegin) MessageType() MessageType { return MessageTypeBlockingBegin }
func (self *BlockingChunk) MessageType() MessageType { return MessageTypeBlockingChunk }
func (self *BlockingEnd) MessageType() MessageType   { return MessageTypeBlockingEnd }
func (self *BlockingAck) MessageType() MessageType   { return MessageTypeBlockingAck }
func (self *BlockingAbort) MessageType() MessageType { return MessageTypeBlockingAbort }
func (self *Disconnect) MessageType() MessageType    { return MessageTypeDisconnect }

// field helpers

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendIdField(b []byte, num protowire.Number, id [16]byte) []byte {
	return appendBytesField(b, num, id[:])
}

func fieldError(num protowire.Number, n int) error {
	return &state.DecodeError{
		Reason: fmt.Sprintf("field %d: %s", num, protowire.ParseError(n)),
	}
}

func consumeVarint(num protowire.Number, typ protowire.Type, field []byte, out *uint64) (int, error) {
	if typ != protowire.VarintType {
		return -1, nil
	}
	v, n := protowire.ConsumeVarint(field)
	if n < 0 {
		return 0, fieldError(num, n)
	}
	*out = v
	return n, nil
}

func consumeUint32(num protowire.Number, typ protowire.Type, field []byte, out *uint32) (int, error) {
	var v uint64
	n, err := consumeVarint(num, typ, field, &v)
	if err != nil || n < 0 {
		return n, err
	}
	if math.MaxUint32 < v {
		return 0, &state.DecodeError{Reason: fmt.Sprintf("field %d: %d overflows uint32", num, v)}
	}
	*out = uint32(v)
	return n, nil
}

func consumeBool(num protowire.Number, typ protowire.Type, field []byte, out *bool) (int, error) {
	var v uint64
	n, err := consumeVarint(num, typ, field, &v)
	if 0 < n {
		*out = v != 0
	}
	return n, err
}

func consumeFixed64(num protowire.Number, typ protowire.Type, field []byte, out *uint64) (int, error) {
	if typ != protowire.Fixed64Type {
		return -1, nil
	}
	v, n := protowire.ConsumeFixed64(field)
	if n < 0 {
		return 0, fieldError(num, n)
	}
	*out = v
	return n, nil
}

func consumeBytes(num protowire.Number, typ protowire.Type, field []byte, out *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return -1, nil
	}
	v, n := protowire.ConsumeBytes(field)
	if n < 0 {
		return 0, fieldError(num, n)
	}
	*out = append([]byte{}, v...)
	return n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, field []byte, out *string) (int, error) {
	var v []byte
	n, err := consumeBytes(num, typ, field, &v)
	if 0 < n {
		*out = string(v)
	}
	return n, err
}

func consumeId(num protowire.Number, typ protowire.Type, field []byte, out *[16]byte) (int, error) {
	var v []byte
	n, err := consumeBytes(num, typ, field, &v)
	if err != nil || n < 0 {
		return n, err
	}
	if len(v) != 16 {
		return 0, &state.DecodeError{Reason: "id must be 16 bytes"}
	}
	copy(out[:], v)
	return n, nil
}

func consumeStateId(num protowire.Number, typ protowire.Type, field []byte, out *state.StateId) (int, error) {
	var v uint64
	n, err := consumeVarint(num, typ, field, &v)
	if 0 < n {
		*out = state.StateId(v)
	}
	return n, err
}

// Handshake

func (self *Handshake) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.ProtocolVersion))
	for _, feature := range self.Features {
		b = appendBytesField(b, 2, []byte(feature))
	}
	b = appendFixed64Field(b, 3, self.SchemaHash)
	b = appendStringField(b, 4, self.AuthToken)
	return b
}

func (self *Handshake) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(num, typ, field, &self.ProtocolVersion)
		case 2:
			var feature string
			n, err := consumeString(num, typ, field, &feature)
			if 0 < n {
				self.Features = append(self.Features, feature)
			}
			return n, err
		case 3:
			return consumeFixed64(num, typ, field, &self.SchemaHash)
		case 4:
			return consumeString(num, typ, field, &self.AuthToken)
		default:
			return -1, nil
		}
	})
}

// HandshakeAck

func (self *HandshakeAck) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.ProtocolVersion))
	for _, feature := range self.Features {
		b = appendBytesField(b, 2, []byte(feature))
	}
	b = appendFixed64Field(b, 3, self.SchemaHash)
	b = appendIdField(b, 4, self.SessionId)
	return b
}

func (self *HandshakeAck) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeUint32(num, typ, field, &self.ProtocolVersion)
		case 2:
			var feature string
			n, err := consumeString(num, typ, field, &feature)
			if 0 < n {
				self.Features = append(self.Features, feature)
			}
			return n, err
		case 3:
			return consumeFixed64(num, typ, field, &self.SchemaHash)
		case 4:
			return consumeId(num, typ, field, &self.SessionId)
		default:
			return -1, nil
		}
	})
}

// Snapshot

func (self *SnapshotEntry) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.Id))
	b = appendVarintField(b, 2, self.Version)
	b = appendStringField(b, 3, self.Name)
	b = appendBytesField(b, 4, state.EncodeType(self.Type))
	b = appendVarintField(b, 5, uint64(self.Access))
	if !self.Deferred {
		b = appendBytesField(b, 6, self.Value)
	}
	b = appendBoolField(b, 7, self.Deferred)
	return b
}

func (self *SnapshotEntry) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeStateId(num, typ, field, &self.Id)
		case 2:
			return consumeVarint(num, typ, field, &self.Version)
		case 3:
			return consumeString(num, typ, field, &self.Name)
		case 4:
			var tb []byte
			n, err := consumeBytes(num, typ, field, &tb)
			if err != nil || n < 0 {
				return n, err
			}
			t, err := state.DecodeType(tb)
			if err != nil {
				return 0, err
			}
			self.Type = t
			return n, nil
		case 5:
			var access uint64
			n, err := consumeVarint(num, typ, field, &access)
			if 0 < n {
				self.Access = state.Access(access)
			}
			return n, err
		case 6:
			return consumeBytes(num, typ, field, &self.Value)
		case 7:
			return consumeBool(num, typ, field, &self.Deferred)
		default:
			return -1, nil
		}
	})
}

func (self *Snapshot) appendBody(b []byte) []byte {
	for i := range self.Entries {
		b = appendBytesField(b, 1, self.Entries[i].appendBody(nil))
	}
	return b
}

func (self *Snapshot) decodeBody(b []byte) error {
	self.Entries = []SnapshotEntry{}
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		var eb []byte
		n, err := consumeBytes(num, typ, field, &eb)
		if err != nil || n < 0 {
			return n, err
		}
		var entry SnapshotEntry
		if err := entry.decodeBody(eb); err != nil {
			return 0, err
		}
		self.Entries = append(self.Entries, entry)
		return n, nil
	})
}

// Update

func (self *Update) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.Id))
	b = appendVarintField(b, 2, self.Version)
	if self.IsDelta() {
		b = appendVarintField(b, 4, self.BaseVersion)
		for _, delta := range self.Deltas {
			b = appendBytesField(b, 5, delta)
		}
	} else {
		b = appendBytesField(b, 3, self.Value)
	}
	return b
}

func (self *Update) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeStateId(num, typ, field, &self.Id)
		case 2:
			return consumeVarint(num, typ, field, &self.Version)
		case 3:
			return consumeBytes(num, typ, field, &self.Value)
		case 4:
			return consumeVarint(num, typ, field, &self.BaseVersion)
		case 5:
			var delta []byte
			n, err := consumeBytes(num, typ, field, &delta)
			if 0 < n {
				self.Deltas = append(self.Deltas, delta)
			}
			return n, err
		default:
			return -1, nil
		}
	})
}

// Subscribe, Unsubscribe

func appendIds(b []byte, ids []state.StateId) []byte {
	for _, id := range ids {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b
}

func decodeIds(b []byte) ([]state.StateId, error) {
	ids := []state.StateId{}
	err := state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		var id state.StateId
		n, err := consumeStateId(num, typ, field, &id)
		if 0 < n {
			ids = append(ids, id)
		}
		return n, err
	})
	return ids, err
}

func (self *Subscribe) appendBody(b []byte) []byte {
	return appendIds(b, self.Ids)
}

func (self *Subscribe) decodeBody(b []byte) error {
	ids, err := decodeIds(b)
	self.Ids = ids
	return err
}

func (self *Unsubscribe) appendBody(b []byte) []byte {
	return appendIds(b, self.Ids)
}

func (self *Unsubscribe) decodeBody(b []byte) error {
	ids, err := decodeIds(b)
	self.Ids = ids
	return err
}

// Reject

func (self *Reject) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(self.Id))
	b = appendVarintField(b, 2, uint64(self.Code))
	return b
}

func (self *Reject) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeStateId(num, typ, field, &self.Id)
		case 2:
			return consumeCode(num, typ, field, &self.Code)
		default:
			return -1, nil
		}
	})
}

func consumeCode(num protowire.Number, typ protowire.Type, field []byte, out *Code) (int, error) {
	var v uint32
	n, err := consumeUint32(num, typ, field, &v)
	if 0 < n {
		*out = Code(v)
	}
	return n, err
}

// SignalInvoke

func (self *SignalInvoke) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, self.CallId)
	b = appendStringField(b, 2, self.Name)
	for _, arg := range self.Args {
		b = appendBytesField(b, 3, arg)
	}
	b = appendBoolField(b, 4, self.WantResult)
	return b
}

func (self *SignalInvoke) decodeBody(b []byte) error {
	self.Args = [][]byte{}
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(num, typ, field, &self.CallId)
		case 2:
			return consumeString(num, typ, field, &self.Name)
		case 3:
			var arg []byte
			n, err := consumeBytes(num, typ, field, &arg)
			if 0 < n {
				self.Args = append(self.Args, arg)
			}
			return n, err
		case 4:
			return consumeBool(num, typ, field, &self.WantResult)
		default:
			return -1, nil
		}
	})
}

// SignalResult

func (self *SignalResult) appendBody(b []byte) []byte {
	b = appendVarintField(b, 1, self.CallId)
	b = appendStringField(b, 2, self.Name)
	for _, result := range self.Results {
		b = appendBytesField(b, 3, result)
	}
	b = appendVarintField(b, 4, uint64(self.Code))
	return b
}

func (self *SignalResult) decodeBody(b []byte) error {
	self.Results = [][]byte{}
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(num, typ, field, &self.CallId)
		case 2:
			return consumeString(num, typ, field, &self.Name)
		case 3:
			var result []byte
			n, err := consumeBytes(num, typ, field, &result)
			if 0 < n {
				self.Results = append(self.Results, result)
			}
			return n, err
		case 4:
			return consumeCode(num, typ, field, &self.Code)
		default:
			return -1, nil
		}
	})
}

// Blocking transfer

func (self *BlockingBegin) appendBody(b []byte) []byte {
	b = appendIdField(b, 1, self.TransferId)
	b = appendVarintField(b, 2, uint64(self.StateId))
	b = appendVarintField(b, 3, self.Version)
	b = appendVarintField(b, 4, self.TotalLen)
	return b
}

func (self *BlockingBegin) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeId(num, typ, field, (*[16]byte)(&self.TransferId))
		case 2:
			return consumeStateId(num, typ, field, &self.StateId)
		case 3:
			return consumeVarint(num, typ, field, &self.Version)
		case 4:
			return consumeVarint(num, typ, field, &self.TotalLen)
		default:
			return -1, nil
		}
	})
}

func (self *BlockingChunk) appendBody(b []byte) []byte {
	b = appendIdField(b, 1, self.TransferId)
	b = appendVarintField(b, 2, self.Offset)
	b = appendBytesField(b, 3, self.Bytes)
	return b
}

func (self *BlockingChunk) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeId(num, typ, field, (*[16]byte)(&self.TransferId))
		case 2:
			return consumeVarint(num, typ, field, &self.Offset)
		case 3:
			return consumeBytes(num, typ, field, &self.Bytes)
		default:
			return -1, nil
		}
	})
}

func (self *BlockingEnd) appendBody(b []byte) []byte {
	return appendIdField(b, 1, self.TransferId)
}

func (self *BlockingEnd) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		return consumeId(num, typ, field, (*[16]byte)(&self.TransferId))
	})
}

func (self *BlockingAck) appendBody(b []byte) []byte {
	b = appendIdField(b, 1, self.TransferId)
	b = appendVarintField(b, 2, self.Offset)
	b = appendBoolField(b, 3, self.Complete)
	return b
}

func (self *BlockingAck) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeId(num, typ, field, (*[16]byte)(&self.TransferId))
		case 2:
			return consumeVarint(num, typ, field, &self.Offset)
		case 3:
			return consumeBool(num, typ, field, &self.Complete)
		default:
			return -1, nil
		}
	})
}

func (self *BlockingAbort) appendBody(b []byte) []byte {
	b = appendIdField(b, 1, self.TransferId)
	b = appendVarintField(b, 2, uint64(self.Code))
	return b
}

func (self *BlockingAbort) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		switch num {
		case 1:
			return consumeId(num, typ, field, (*[16]byte)(&self.TransferId))
		case 2:
			return consumeCode(num, typ, field, &self.Code)
		default:
			return -1, nil
		}
	})
}

// Disconnect

func (self *Disconnect) appendBody(b []byte) []byte {
	return appendVarintField(b, 1, uint64(self.Code))
}

func (self *Disconnect) decodeBody(b []byte) error {
	return state.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, field []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		return consumeCode(num, typ, field, &self.Code)
	})
}

// EncodeValues encodes signal arguments or results.
func EncodeValues(values []state.Value) [][]byte {
	out := make([][]byte, len(values))
	for i, value := range values {
		out[i] = state.Encode(value)
	}
	return out
}

func DecodeValues(encoded [][]byte) ([]state.Value, error) {
	values := make([]state.Value, len(encoded))
	for i, b := range encoded {
		value, err := state.DecodeAny(b)
		if err != nil {
			return nil, err
		}
		values[i] = value
	}
	return values, nil
}
