package connect

import (
	"container/heap"
	"context"
	"sync"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

type updateItem struct {
	update         *protocol.Update
	sequenceNumber uint64

	// the index of the item in the heap
	heapIndex int
}

// ordered by sequenceNumber, at most one item per state id
type updateQueue struct {
	orderedItems []*updateItem
	// state id -> item
	stateIdItems map[state.StateId]*updateItem
	byteCount    ByteCount
}

func newUpdateQueue() *updateQueue {
	updateQueue := &updateQueue{
		orderedItems: []*updateItem{},
		stateIdItems: map[state.StateId]*updateItem{},
	}
	heap.Init(updateQueue)
	return updateQueue
}

// add coalesces with an unsent update for the same id. the item keeps its queue position.
// returns true if the update replaced an existing item
func (self *updateQueue) add(update *protocol.Update, sequenceNumber uint64) bool {
	if item, ok := self.stateIdItems[update.Id]; ok {
		if item.update.Version <= update.Version {
			self.byteCount += updateLen(update) - updateLen(item.update)
			item.update = update
		}
		return true
	}
	item := &updateItem{
		update:         update,
		sequenceNumber: sequenceNumber,
	}
	self.stateIdItems[update.Id] = item
	heap.Push(self, item)
	self.byteCount += updateLen(update)
	return false
}

func (self *updateQueue) removeFirst() *updateItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	item := heap.Remove(self, 0).(*updateItem)
	delete(self.stateIdItems, item.update.Id)
	self.byteCount -= updateLen(item.update)
	return item
}

func (self *updateQueue) removeByStateId(stateId state.StateId) *updateItem {
	item, ok := self.stateIdItems[stateId]
	if !ok {
		return nil
	}
	delete(self.stateIdItems, stateId)
	heap.Remove(self, item.heapIndex)
	self.byteCount -= updateLen(item.update)
	return item
}

// heap.Interface

func (self *updateQueue) Push(x any) {
	item := x.(*updateItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *updateQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *updateQueue) Len() int {
	return len(self.orderedItems)
}

func (self *updateQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *updateQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

// sendQueue is the outgoing queue of one connection.
// The update lane coalesces per slot. The control lane is fifo and never coalesced.
// `Next` alternates lanes when both have messages.
type sendQueue struct {
	stateLock sync.Mutex

	updates        *updateQueue
	control        []protocol.Message
	sequenceNumber uint64
	// the lane to prefer on the next take
	preferControl bool
	closed        bool

	maxControlQueueLen int

	notify chan struct{}
}

func newSendQueue(maxControlQueueLen int) *sendQueue {
	return &sendQueue{
		updates:            newUpdateQueue(),
		control:            []protocol.Message{},
		maxControlQueueLen: maxControlQueueLen,
		notify:             make(chan struct{}, 1),
	}
}

func (self *sendQueue) wake() {
	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// AddUpdate returns true if the update coalesced into an unsent update.
func (self *sendQueue) AddUpdate(update *protocol.Update) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	self.sequenceNumber += 1
	coalesced := self.updates.add(update, self.sequenceNumber)
	self.wake()
	return coalesced
}

// RemoveUpdate drops an unsent update, when the value moves to a blocking transfer.
func (self *sendQueue) RemoveUpdate(stateId state.StateId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.updates.removeByStateId(stateId)
}

func updateLen(update *protocol.Update) ByteCount {
	n := ByteCount(len(update.Value))
	for _, delta := range update.Deltas {
		n += ByteCount(len(delta))
	}
	return n
}

// HasUpdate is true when an update for the slot is waiting to be sent.
func (self *sendQueue) HasUpdate(stateId state.StateId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.updates.stateIdItems[stateId]
	return ok
}

func (self *sendQueue) AddControl(message protocol.Message) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return ErrClosed
	}
	if 0 < self.maxControlQueueLen && self.maxControlQueueLen <= len(self.control) {
		return ErrBackpressure
	}
	self.control = append(self.control, message)
	self.wake()
	return nil
}

func (self *sendQueue) take() protocol.Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	takeControl := func() protocol.Message {
		message := self.control[0]
		self.control[0] = nil
		self.control = self.control[1:]
		self.preferControl = false
		return message
	}
	takeUpdate := func() protocol.Message {
		item := self.updates.removeFirst()
		self.preferControl = true
		return item.update
	}

	hasControl := 0 < len(self.control)
	hasUpdate := 0 < self.updates.Len()
	switch {
	case hasControl && hasUpdate:
		if self.preferControl {
			return takeControl()
		}
		return takeUpdate()
	case hasControl:
		return takeControl()
	case hasUpdate:
		return takeUpdate()
	default:
		return nil
	}
}

// Next blocks until a message is available.
func (self *sendQueue) Next(ctx context.Context) (protocol.Message, error) {
	for {
		if message := self.take(); message != nil {
			return message, nil
		}
		self.stateLock.Lock()
		closed := self.closed
		self.stateLock.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-self.notify:
		}
	}
}

// QueueSize is (update count, update bytes, control count).
func (self *sendQueue) QueueSize() (int, ByteCount, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.updates.Len(), self.updates.byteCount, len(self.control)
}

func (self *sendQueue) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	self.updates = newUpdateQueue()
	self.control = []protocol.Message{}
	self.wake()
}
