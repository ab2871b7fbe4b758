package connect

import (
	"fmt"
	"slices"
	"sync"

	"github.com/golang/glog"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

/*
Moves values too large for a single Update with properties:
- at most one outgoing and one incoming transfer per connection
- chunks are offset ordered and flow controlled by a window of unacked bytes
- the receiver applies the payload only after the end, so a partial payload is never visible
- small updates interleave with the chunks since chunks go on the control lane
*/

type TransferSettings struct {
	ChunkSize ByteCount
	// max unacked bytes in flight
	TransferWindow ByteCount
	// incoming transfers larger than this are aborted
	MaxTransferLen ByteCount
}

func DefaultTransferSettings() *TransferSettings {
	return &TransferSettings{
		ChunkSize:      kib(32),
		TransferWindow: kib(256),
		MaxTransferLen: mib(256),
	}
}

// returns the current version and encoded value of a deferred slot.
// `ok` false drops the slot from the deferred set.
type TransferSourceFunction func(stateId state.StateId) (version uint64, payload []byte, ok bool)

// a fully received transfer
type TransferValue struct {
	StateId state.StateId
	Version uint64
	Payload []byte
}

type outgoingTransfer struct {
	transferId  protocol.TransferId
	stateId     state.StateId
	version     uint64
	payload     []byte
	sentOffset  uint64
	ackedOffset uint64
	ended       bool
}

type incomingTransfer struct {
	transferId protocol.TransferId
	stateId    state.StateId
	version    uint64
	totalLen   uint64
	buffer     []byte
}

type transferManager struct {
	tag string

	stateLock sync.Mutex

	send   func(protocol.Message) error
	source TransferSourceFunction

	// parked slots waiting for the outgoing slot, in offer order
	deferred    []state.StateId
	deferredSet map[state.StateId]bool

	outgoing *outgoingTransfer
	incoming *incomingTransfer
	closed   bool

	settings *TransferSettings
}

func newTransferManager(
	tag string,
	send func(protocol.Message) error,
	source TransferSourceFunction,
	settings *TransferSettings,
) *transferManager {
	return &transferManager{
		tag:         tag,
		send:        send,
		source:      source,
		deferred:    []state.StateId{},
		deferredSet: map[state.StateId]bool{},
		settings:    settings,
	}
}

// Offer parks the slot and starts a transfer when the outgoing slot is free.
// The payload is read from the source when the transfer starts, so the newest value is sent.
func (self *transferManager) Offer(stateId state.StateId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrClosed
	}
	// a slot that changes during its own transfer is parked and sent again after
	self.park(stateId)
	return self.pump()
}

func (self *transferManager) park(stateId state.StateId) {
	if self.deferredSet[stateId] {
		return
	}
	self.deferredSet[stateId] = true
	self.deferred = append(self.deferred, stateId)
}

// Drop removes a parked slot. A transfer already in flight completes.
func (self *transferManager) Drop(stateId state.StateId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !self.deferredSet[stateId] {
		return
	}
	delete(self.deferredSet, stateId)
	self.deferred = slices.DeleteFunc(self.deferred, func(deferredId state.StateId) bool {
		return deferredId == stateId
	})
}

// IsDeferred is true when the slot is parked or in flight.
func (self *transferManager) IsDeferred(stateId state.StateId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.deferredSet[stateId] || (self.outgoing != nil && self.outgoing.stateId == stateId)
}

func (self *transferManager) pump() error {
	for self.outgoing == nil && 0 < len(self.deferred) {
		stateId := self.deferred[0]
		self.deferred = self.deferred[1:]
		delete(self.deferredSet, stateId)

		version, payload, ok := self.source(stateId)
		if !ok {
			continue
		}
		if err := self.begin(stateId, version, payload); err != nil {
			return err
		}
	}
	return nil
}

// Begin starts an outgoing transfer. `ErrTransferBusy` if one is active.
func (self *transferManager) Begin(stateId state.StateId, version uint64, payload []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrClosed
	}
	return self.begin(stateId, version, payload)
}

func (self *transferManager) begin(stateId state.StateId, version uint64, payload []byte) error {
	if self.outgoing != nil {
		return ErrTransferBusy
	}
	self.outgoing = &outgoingTransfer{
		transferId: protocol.TransferId(NewId()),
		stateId:    stateId,
		version:    version,
		payload:    payload,
	}
	glog.V(2).Infof("%s[tb]-> %d v%d (%d bytes)\n", self.tag, stateId, version, len(payload))
	err := self.send(&protocol.BlockingBegin{
		TransferId: self.outgoing.transferId,
		StateId:    stateId,
		Version:    version,
		TotalLen:   uint64(len(payload)),
	})
	if err != nil {
		return err
	}
	return self.sendChunks()
}

func (self *transferManager) sendChunks() error {
	transfer := self.outgoing
	totalLen := uint64(len(transfer.payload))
	window := uint64(self.settings.TransferWindow)
	chunkSize := uint64(self.settings.ChunkSize)
	for transfer.sentOffset < totalLen && transfer.sentOffset-transfer.ackedOffset < window {
		end := min(transfer.sentOffset+chunkSize, totalLen)
		err := self.send(&protocol.BlockingChunk{
			TransferId: transfer.transferId,
			Offset:     transfer.sentOffset,
			Bytes:      transfer.payload[transfer.sentOffset:end],
		})
		if err != nil {
			return err
		}
		transfer.sentOffset = end
	}
	if transfer.sentOffset == totalLen && !transfer.ended {
		transfer.ended = true
		return self.send(&protocol.BlockingEnd{
			TransferId: transfer.transferId,
		})
	}
	return nil
}

func (self *transferManager) OnAck(ack *protocol.BlockingAck) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}
	transfer := self.outgoing
	if transfer == nil || transfer.transferId != ack.TransferId {
		return nil
	}
	if transfer.sentOffset < ack.Offset {
		return &state.DecodeError{Reason: fmt.Sprintf("ack offset %d beyond sent %d", ack.Offset, transfer.sentOffset)}
	}
	transfer.ackedOffset = max(transfer.ackedOffset, ack.Offset)
	if ack.Complete {
		glog.V(2).Infof("%s[tb]-> %d v%d complete\n", self.tag, transfer.stateId, transfer.version)
		self.outgoing = nil
		return self.pump()
	}
	return self.sendChunks()
}

// OnAbort handles an abort from the peer for either direction.
func (self *transferManager) OnAbort(abort *protocol.BlockingAbort) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}
	if transfer := self.outgoing; transfer != nil && transfer.transferId == abort.TransferId {
		glog.Infof("%s[tb]-> %d aborted by peer (%s)\n", self.tag, transfer.stateId, abort.Code)
		self.outgoing = nil
		return self.pump()
	}
	if transfer := self.incoming; transfer != nil && transfer.transferId == abort.TransferId {
		glog.V(1).Infof("%s[tb]<- %d aborted by peer (%s)\n", self.tag, transfer.stateId, abort.Code)
		self.incoming = nil
	}
	return nil
}

func (self *transferManager) OnBegin(begin *protocol.BlockingBegin) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}
	if self.incoming != nil {
		return self.send(&protocol.BlockingAbort{
			TransferId: begin.TransferId,
			Code:       protocol.CodeTransferBusy,
		})
	}
	if 0 < self.settings.MaxTransferLen && uint64(self.settings.MaxTransferLen) < begin.TotalLen {
		glog.Infof("%s[tb]<- %d too large (%d bytes)\n", self.tag, begin.StateId, begin.TotalLen)
		return self.send(&protocol.BlockingAbort{
			TransferId: begin.TransferId,
			Code:       protocol.CodeTransferAborted,
		})
	}
	glog.V(2).Infof("%s[tb]<- %d v%d (%d bytes)\n", self.tag, begin.StateId, begin.Version, begin.TotalLen)
	self.incoming = &incomingTransfer{
		transferId: begin.TransferId,
		stateId:    begin.StateId,
		version:    begin.Version,
		totalLen:   begin.TotalLen,
		buffer:     make([]byte, 0, min(begin.TotalLen, uint64(self.settings.TransferWindow))),
	}
	return nil
}

func (self *transferManager) OnChunk(chunk *protocol.BlockingChunk) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil
	}
	transfer := self.incoming
	if transfer == nil || transfer.transferId != chunk.TransferId {
		// chunks of a transfer that was refused
		return nil
	}
	offset := uint64(len(transfer.buffer))
	if chunk.Offset != offset {
		return &state.DecodeError{Reason: fmt.Sprintf("chunk offset %d, expected %d", chunk.Offset, offset)}
	}
	if transfer.totalLen < offset+uint64(len(chunk.Bytes)) {
		return &state.DecodeError{Reason: fmt.Sprintf("chunk overruns total length %d", transfer.totalLen)}
	}
	transfer.buffer = append(transfer.buffer, chunk.Bytes...)
	return self.send(&protocol.BlockingAck{
		TransferId: transfer.transferId,
		Offset:     uint64(len(transfer.buffer)),
	})
}

// OnEnd returns the reconstructed value, or nil if the end is for a refused transfer.
func (self *transferManager) OnEnd(end *protocol.BlockingEnd) (*TransferValue, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return nil, nil
	}
	transfer := self.incoming
	if transfer == nil || transfer.transferId != end.TransferId {
		return nil, nil
	}
	if uint64(len(transfer.buffer)) != transfer.totalLen {
		return nil, &state.DecodeError{Reason: fmt.Sprintf("transfer ended at %d of %d", len(transfer.buffer), transfer.totalLen)}
	}
	self.incoming = nil
	err := self.send(&protocol.BlockingAck{
		TransferId: transfer.transferId,
		Offset:     transfer.totalLen,
		Complete:   true,
	})
	if err != nil {
		return nil, err
	}
	return &TransferValue{
		StateId: transfer.stateId,
		Version: transfer.version,
		Payload: transfer.buffer,
	}, nil
}

func (self *transferManager) IsActive() (outgoing bool, incoming bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.outgoing != nil, self.incoming != nil
}

// Close discards both directions. Nothing partial is returned.
func (self *transferManager) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	self.outgoing = nil
	self.incoming = nil
	self.deferred = []state.StateId{}
	self.deferredSet = map[state.StateId]bool{}
}
