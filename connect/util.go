package connect

import (
	"slices"
	"sync"
)

// Monitor wakes every waiter on each notify.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

// NotifyChannel is closed on the next notify.
func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	// close the update channel and create a new one
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextKey   int
	keys      []int
	callbacks []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		keys:      []int{},
		callbacks: []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// Add returns a function that removes the callback.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := self.nextKey
	self.nextKey += 1
	self.keys = append(slices.Clone(self.keys), key)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return func() {
		self.remove(key)
	}
}

func (self *CallbackList[T]) remove(key int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.keys, key)
	if i < 0 {
		// not present
		return
	}
	self.keys = slices.Delete(slices.Clone(self.keys), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}
