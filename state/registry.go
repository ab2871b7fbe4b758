package state

import (
	"fmt"
	"slices"
	"sync"
)

type Access uint8

const (
	// the client may mutate the slot
	ReadWrite Access = 0
	// only the host mutates the slot
	ReadOnly Access = 1
)

func (self Access) String() string {
	switch self {
	case ReadOnly:
		return "read_only"
	default:
		return "read_write"
	}
}

func (self Access) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Access) UnmarshalText(text []byte) error {
	switch string(text) {
	case "read_only", "static":
		*self = ReadOnly
	case "read_write", "":
		*self = ReadWrite
	default:
		return fmt.Errorf("Unknown access: %s", text)
	}
	return nil
}

// SubscriberId identifies a subscriber of slot changes, e.g. a session.
type SubscriberId [16]byte

// ChangeFunction observes applied mutations. `remote` is true when a client made the change.
type ChangeFunction func(id StateId, value Value, version uint64, remote bool)

type RegisterOption func(*slot)

func WithAccess(access Access) RegisterOption {
	return func(s *slot) {
		s.access = access
	}
}

type slot struct {
	id      StateId
	name    string
	t       Type
	access  Access
	value   Value
	version uint64
	dirty   bool
	// deltas applied since the last dispatch, from `deltaBase`.
	// nil when a full change is pending
	deltaBase uint64
	deltas    []VersionedDelta

	subscribers map[SubscriberId]bool
}

// VersionedDelta is a delta and the version it produced.
type VersionedDelta struct {
	Version uint64
	Delta   Delta
}

type SnapshotEntry struct {
	Id      StateId
	Name    string
	Type    Type
	Access  Access
	Version uint64
	Value   Value
}

// DirtySlot is a pending change taken by the broadcaster.
type DirtySlot struct {
	Id          StateId
	Version     uint64
	Value       Value
	Subscribers []SubscriberId
	// when set, `Deltas` take `DeltaBase` to `Version` one version at a time
	DeltaBase uint64
	Deltas    []VersionedDelta
}

// Registry owns every slot. All mutation goes through the apply-and-bump entry points,
// which update value, version and dirty flag as one unit.
type Registry struct {
	stateLock sync.Mutex

	nextId StateId
	slots  map[StateId]*slot
	names  map[string]StateId
	// ids in registration order
	order    []StateId
	dirtyIds map[StateId]bool

	// subscribed to every slot, including slots registered later
	allSubscribers map[SubscriberId]bool

	changeCallbacks    map[int]ChangeFunction
	nextChangeCallback int

	update chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		nextId:          1,
		slots:           map[StateId]*slot{},
		names:           map[string]StateId{},
		order:           []StateId{},
		dirtyIds:        map[StateId]bool{},
		allSubscribers:  map[SubscriberId]bool{},
		changeCallbacks: map[int]ChangeFunction{},
		update:          make(chan struct{}, 1),
	}
}

func (self *Registry) Register(name string, t Type, initial Value, options ...RegisterOption) (StateId, error) {
	if err := t.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrTypeMismatch, err)
	}
	if initial == nil {
		initial = t.Zero()
	}
	if err := t.Check(initial); err != nil {
		return 0, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if name != "" {
		if _, ok := self.names[name]; ok {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
	}
	if err := self.checkChildren(0, initial); err != nil {
		return 0, err
	}

	id := self.nextId
	self.nextId += 1
	s := &slot{
		id:          id,
		name:        name,
		t:           t,
		value:       Clone(initial),
		version:     1,
		subscribers: map[SubscriberId]bool{},
	}
	for _, option := range options {
		option(s)
	}
	for subscriberId := range self.allSubscribers {
		s.subscribers[subscriberId] = true
	}
	self.slots[id] = s
	if name != "" {
		self.names[name] = id
	}
	self.order = append(self.order, id)
	return id, nil
}

func (self *Registry) RequireRegister(name string, t Type, initial Value, options ...RegisterOption) StateId {
	id, err := self.Register(name, t, initial, options...)
	if err != nil {
		panic(err)
	}
	return id
}

// container values may only reference registered slots other than themselves
func (self *Registry) checkChildren(id StateId, v Value) error {
	check := func(child StateId) error {
		if child == id {
			return fmt.Errorf("%w: slot %d cannot contain itself", ErrTypeMismatch, id)
		}
		if _, ok := self.slots[child]; !ok {
			return fmt.Errorf("%w: child %d", ErrUnknownState, child)
		}
		return nil
	}
	switch w := v.(type) {
	case List:
		for _, child := range w {
			if err := check(child); err != nil {
				return err
			}
		}
	case Dict:
		for _, child := range w {
			if err := check(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (self *Registry) markDirty(s *slot) {
	s.dirty = true
	self.dirtyIds[s.id] = true
	select {
	case self.update <- struct{}{}:
	default:
	}
}

// Mutate replaces the value of a slot and bumps its version.
func (self *Registry) Mutate(id StateId, v Value) (uint64, error) {
	return self.apply(id, false, nil, func(s *slot) (Value, error) {
		return v, nil
	})
}

// MutateRemote applies a mutation made by a client. Read only slots reject it.
func (self *Registry) MutateRemote(id StateId, v Value) (uint64, error) {
	return self.apply(id, true, nil, func(s *slot) (Value, error) {
		return v, nil
	})
}

// Increment adds `delta` to an atomic counter.
func (self *Registry) Increment(id StateId, delta int64) (int64, uint64, error) {
	var next Atomic
	version, err := self.apply(id, false, nil, func(s *slot) (Value, error) {
		current, ok := s.value.(Atomic)
		if !ok {
			return nil, fmt.Errorf("%w: increment on %s", ErrTypeMismatch, s.t.Kind)
		}
		next = current + Atomic(delta)
		return next, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return int64(next), version, nil
}

// ListInsert inserts `child` at `index`. Existing children keep their ids.
func (self *Registry) ListInsert(id StateId, index int, child StateId) (uint64, error) {
	return self.apply(id, false, nil, func(s *slot) (Value, error) {
		list, ok := s.value.(List)
		if !ok {
			return nil, fmt.Errorf("%w: list insert on %s", ErrTypeMismatch, s.t.Kind)
		}
		if index < 0 || len(list) < index {
			index = len(list)
		}
		return slices.Insert(slices.Clone(list), index, child), nil
	})
}

func (self *Registry) ListRemove(id StateId, child StateId) (uint64, error) {
	return self.apply(id, false, nil, func(s *slot) (Value, error) {
		list, ok := s.value.(List)
		if !ok {
			return nil, fmt.Errorf("%w: list remove on %s", ErrTypeMismatch, s.t.Kind)
		}
		i := slices.Index(list, child)
		if i < 0 {
			return nil, fmt.Errorf("%w: %d is not in list %d", ErrUnknownState, child, id)
		}
		return slices.Delete(slices.Clone(list), i, i+1), nil
	})
}

func (self *Registry) DictSet(id StateId, key string, child StateId) (uint64, error) {
	return self.apply(id, false, nil, func(s *slot) (Value, error) {
		dict, ok := s.value.(Dict)
		if !ok {
			return nil, fmt.Errorf("%w: dict set on %s", ErrTypeMismatch, s.t.Kind)
		}
		next := Clone(dict).(Dict)
		next[key] = child
		return next, nil
	})
}

func (self *Registry) DictRemove(id StateId, key string) (uint64, error) {
	return self.apply(id, false, nil, func(s *slot) (Value, error) {
		dict, ok := s.value.(Dict)
		if !ok {
			return nil, fmt.Errorf("%w: dict remove on %s", ErrTypeMismatch, s.t.Kind)
		}
		if _, ok := dict[key]; !ok {
			return nil, fmt.Errorf("%w: key %q is not in dict %d", ErrUnknownState, key, id)
		}
		next := Clone(dict).(Dict)
		delete(next, key)
		return next, nil
	})
}

// PatchBlob writes `patch` into the blob at `origin` ([row, column]).
// Subscribers that have the previous version receive only the patch.
func (self *Registry) PatchBlob(id StateId, origin [2]uint32, patch Blob) (uint64, error) {
	return self.ApplyDelta(id, BlobPatch{Origin: origin, Patch: patch})
}

// AppendGraph adds points to a graph. `x` must be nil for graphs without x values.
func (self *Registry) AppendGraph(id StateId, y []float64, x []float64) (uint64, error) {
	return self.ApplyDelta(id, GraphAppend{Y: y, X: x})
}

func (self *Registry) ApplyDelta(id StateId, delta Delta) (uint64, error) {
	return self.apply(id, false, delta, func(s *slot) (Value, error) {
		return delta.Apply(s.value)
	})
}

// apply is the single apply-and-bump path
func (self *Registry) apply(id StateId, remote bool, delta Delta, next func(*slot) (Value, error)) (uint64, error) {
	var value Value
	var version uint64
	var callbacks []ChangeFunction
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		s, ok := self.slots[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownState, id)
		}
		if remote && s.access == ReadOnly {
			return fmt.Errorf("%w: %d", ErrReadOnly, id)
		}
		v, err := next(s)
		if err != nil {
			return err
		}
		if err := s.t.Check(v); err != nil {
			return err
		}
		if err := self.checkChildren(id, v); err != nil {
			return err
		}
		s.value = Clone(v)
		s.version += 1
		switch {
		case delta == nil:
			s.deltas = nil
		case !s.dirty:
			s.deltaBase = s.version - 1
			s.deltas = []VersionedDelta{{Version: s.version, Delta: delta}}
		case s.deltas != nil:
			s.deltas = append(s.deltas, VersionedDelta{Version: s.version, Delta: delta})
		}
		self.markDirty(s)

		value = s.value
		version = s.version
		for _, callback := range self.changeCallbacks {
			callbacks = append(callbacks, callback)
		}
		return nil
	}()
	if err != nil {
		return 0, err
	}
	for _, callback := range callbacks {
		callback(id, value, version, remote)
	}
	return version, nil
}

func (self *Registry) Get(id StateId) (Value, uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownState, id)
	}
	return Clone(s.value), s.version, nil
}

func (self *Registry) Type(id StateId) (Type, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return Type{}, fmt.Errorf("%w: %d", ErrUnknownState, id)
	}
	return s.t, nil
}

func (self *Registry) Lookup(name string) (StateId, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	id, ok := self.names[name]
	return id, ok
}

func (self *Registry) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.order)
}

// Snapshot is a consistent point-in-time copy of every slot, in registration order.
func (self *Registry) Snapshot() []SnapshotEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshot()
}

func (self *Registry) snapshot() []SnapshotEntry {
	entries := make([]SnapshotEntry, 0, len(self.order))
	for _, id := range self.order {
		s := self.slots[id]
		entries = append(entries, SnapshotEntry{
			Id:      s.id,
			Name:    s.name,
			Type:    s.t,
			Access:  s.access,
			Version: s.version,
			Value:   Clone(s.value),
		})
	}
	return entries
}

// SubscribeAll subscribes to every current and future slot and returns the snapshot
// taken in the same critical section.
func (self *Registry) SubscribeAll(subscriberId SubscriberId) []SnapshotEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.allSubscribers[subscriberId] = true
	for _, s := range self.slots {
		s.subscribers[subscriberId] = true
	}
	return self.snapshot()
}

func (self *Registry) Subscribe(id StateId, subscriberId SubscriberId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownState, id)
	}
	s.subscribers[subscriberId] = true
	return nil
}

func (self *Registry) Unsubscribe(id StateId, subscriberId SubscriberId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownState, id)
	}
	delete(s.subscribers, subscriberId)
	return nil
}

// UnsubscribeAll removes every subscription of the subscriber.
func (self *Registry) UnsubscribeAll(subscriberId SubscriberId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.allSubscribers, subscriberId)
	for _, s := range self.slots {
		delete(s.subscribers, subscriberId)
	}
}

func (self *Registry) IsSubscribed(id StateId, subscriberId SubscriberId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	return ok && s.subscribers[subscriberId]
}

// Dirty copies the dirty slots without clearing them.
func (self *Registry) Dirty() []DirtySlot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	dirtySlots := make([]DirtySlot, 0, len(self.dirtyIds))
	for _, id := range self.order {
		if !self.dirtyIds[id] {
			continue
		}
		s := self.slots[id]
		subscribers := make([]SubscriberId, 0, len(s.subscribers))
		for subscriberId := range s.subscribers {
			subscribers = append(subscribers, subscriberId)
		}
		dirtySlots = append(dirtySlots, DirtySlot{
			Id:          s.id,
			Version:     s.version,
			Value:       Clone(s.value),
			Subscribers: subscribers,
			DeltaBase:   s.deltaBase,
			Deltas:      slices.Clone(s.deltas),
		})
	}
	return dirtySlots
}

// ClearDirty clears the dirty flag of slots that did not change since `Dirty` was taken.
func (self *Registry) ClearDirty(dirtySlots []DirtySlot) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, dirtySlot := range dirtySlots {
		s, ok := self.slots[dirtySlot.Id]
		if !ok {
			continue
		}
		if s.version == dirtySlot.Version {
			s.dirty = false
			s.deltas = nil
			delete(self.dirtyIds, s.id)
		} else if s.deltas != nil && s.deltaBase < dirtySlot.Version {
			// keep the deltas after the dispatched version
			s.deltas = s.deltas[dirtySlot.Version-s.deltaBase:]
			s.deltaBase = dirtySlot.Version
		}
	}
}

func (self *Registry) IsDirty(id StateId) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	return ok && s.dirty
}

// Update is signaled (non blocking) after each applied mutation.
func (self *Registry) Update() <-chan struct{} {
	return self.update
}

// AddChangeCallback returns a function that removes the callback.
func (self *Registry) AddChangeCallback(callback ChangeFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := self.nextChangeCallback
	self.nextChangeCallback += 1
	self.changeCallbacks[key] = callback
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.changeCallbacks, key)
	}
}
