package connect

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"bringyour.com/statesync/protocol"
)

var (
	ErrVersionMismatch = protocol.ErrVersionMismatch
	ErrUnauthorized    = protocol.ErrUnauthorized
	ErrSchemaMismatch  = protocol.ErrSchemaMismatch
	ErrProtocol        = protocol.ErrProtocol
	ErrUnknownSignal   = protocol.ErrUnknownSignal
	ErrNoHandler       = protocol.ErrNoHandler
	ErrHandlerConflict = protocol.ErrHandlerConflict
	ErrHandlerFailed   = protocol.ErrHandlerFailed
	ErrTransferBusy    = protocol.ErrTransferBusy
	ErrTransferAborted = protocol.ErrTransferAborted
	ErrReplaced        = protocol.ErrReplaced
	ErrBackpressure    = protocol.ErrBackpressure

	ErrNotConnected      = errors.New("Not connected")
	ErrClosed            = errors.New("Closed")
	ErrInvalidTransition = errors.New("Invalid connection state transition")
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("Invalid id: %s", src)
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}
