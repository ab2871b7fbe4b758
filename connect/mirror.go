package connect

import (
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

// MirrorEntry is the client view of one slot.
type MirrorEntry struct {
	Id     state.StateId
	Name   string
	Type   state.Type
	Access state.Access
	// the last host confirmed version. 0 until a value arrives
	Version uint64
	Value   state.Value
	// the value is a local mutation not yet confirmed by the host
	Speculative bool
}

type mirrorSlot struct {
	name      string
	t         state.Type
	access    state.Access
	version   uint64
	confirmed state.Value
	// nil if none
	speculative     state.Value
	speculativeBase uint64
}

func (self *mirrorSlot) entry(id state.StateId) MirrorEntry {
	entry := MirrorEntry{
		Id:      id,
		Name:    self.name,
		Type:    self.t,
		Access:  self.access,
		Version: self.version,
		Value:   self.confirmed,
	}
	if self.speculative != nil {
		entry.Value = self.speculative
		entry.Speculative = true
	}
	entry.Value = state.Clone(entry.Value)
	return entry
}

// mirror is the client copy of the host registry. It is replaced wholesale by each snapshot
// and survives reconnects, so last known values stay readable.
type mirror struct {
	tag string

	stateLock sync.Mutex
	slots     map[state.StateId]*mirrorSlot
	names     map[string]state.StateId
	order     []state.StateId
}

func newMirror(tag string) *mirror {
	return &mirror{
		tag:   tag,
		slots: map[state.StateId]*mirrorSlot{},
		names: map[string]state.StateId{},
		order: []state.StateId{},
	}
}

// replace applies a snapshot. Entries with an unknown variant or a deferred value start
// at version 0 with the zero value, so the next update applies.
func (self *mirror) replace(snapshot *protocol.Snapshot) error {
	slots := map[state.StateId]*mirrorSlot{}
	names := map[string]state.StateId{}
	order := []state.StateId{}
	for _, entry := range snapshot.Entries {
		if err := entry.Type.Validate(); err != nil {
			return &state.DecodeError{Reason: fmt.Sprintf("snapshot entry %d: %s", entry.Id, err)}
		}
		s := &mirrorSlot{
			name:      entry.Name,
			t:         entry.Type,
			access:    entry.Access,
			confirmed: entry.Type.Zero(),
		}
		if !entry.Deferred {
			value, err := state.Decode(entry.Value, entry.Type)
			switch {
			case errors.Is(err, state.ErrUnknownVariant):
				glog.Infof("%s snapshot %d skip = %s\n", self.tag, entry.Id, err)
			case err != nil:
				return err
			default:
				s.confirmed = value
				s.version = entry.Version
			}
		}
		slots[entry.Id] = s
		if entry.Name != "" {
			names[entry.Name] = entry.Id
		}
		order = append(order, entry.Id)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.slots = slots
	self.names = names
	self.order = order
	return nil
}

// applyUpdate applies a host value if it is newer than the mirror.
// Returns the changed entry, or nil when the update is stale, unknown or skipped.
func (self *mirror) applyUpdate(id state.StateId, version uint64, payload []byte) (*MirrorEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		glog.V(1).Infof("%s[u]%d unknown state\n", self.tag, id)
		return nil, nil
	}
	if version <= s.version {
		glog.V(2).Infof("%s[u]%d v%d stale (at v%d)\n", self.tag, id, version, s.version)
		return nil, nil
	}
	value, err := state.Decode(payload, s.t)
	if errors.Is(err, state.ErrUnknownVariant) {
		glog.Infof("%s[u]%d skip = %s\n", self.tag, id, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.version = version
	s.confirmed = value
	s.speculative = nil
	entry := s.entry(id)
	return &entry, nil
}

// applyDeltas applies host deltas that take `baseVersion` to `version`.
// `resync` is set when the mirror is not at `baseVersion` or a delta cannot be applied,
// and the full value needs to be requested.
func (self *mirror) applyDeltas(
	id state.StateId,
	baseVersion uint64,
	version uint64,
	deltas [][]byte,
) (entry *MirrorEntry, resync bool, returnErr error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		glog.V(1).Infof("%s[u]%d unknown state\n", self.tag, id)
		return
	}
	if version <= s.version {
		glog.V(2).Infof("%s[u]%d v%d stale (at v%d)\n", self.tag, id, version, s.version)
		return
	}
	if s.version != baseVersion {
		glog.V(1).Infof("%s[u]%d delta from v%d (at v%d)\n", self.tag, id, baseVersion, s.version)
		resync = true
		return
	}
	value := s.confirmed
	for _, b := range deltas {
		delta, err := state.DecodeDelta(b, s.t)
		if errors.Is(err, state.ErrUnknownKind) {
			glog.Infof("%s[u]%d skip = %s\n", self.tag, id, err)
			resync = true
			return
		}
		if err != nil {
			returnErr = err
			return
		}
		value, err = delta.Apply(value)
		if err != nil {
			glog.Infof("%s[u]%d %s = %s\n", self.tag, id, delta.DeltaKind(), err)
			resync = true
			return
		}
	}
	s.version = version
	s.confirmed = value
	s.speculative = nil
	e := s.entry(id)
	entry = &e
	return
}

// reject drops a speculative value. Returns the restored entry.
func (self *mirror) reject(id state.StateId) *MirrorEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok || s.speculative == nil {
		return nil
	}
	s.speculative = nil
	entry := s.entry(id)
	return &entry
}

// speculate sets a local value ahead of the host. Returns the base version.
func (self *mirror) speculate(id state.StateId, v state.Value) (uint64, *MirrorEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", state.ErrUnknownState, id)
	}
	if s.access == state.ReadOnly {
		return 0, nil, fmt.Errorf("%w: %d", state.ErrReadOnly, id)
	}
	if err := s.t.Check(v); err != nil {
		return 0, nil, err
	}
	s.speculative = state.Clone(v)
	s.speculativeBase = s.version
	entry := s.entry(id)
	return s.version, &entry, nil
}

// speculativePayload is the source of upstream blocking transfers
func (self *mirror) speculativePayload(id state.StateId) (uint64, []byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok || s.speculative == nil {
		return 0, nil, false
	}
	return s.speculativeBase, state.Encode(s.speculative), true
}

func (self *mirror) get(id state.StateId) (MirrorEntry, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	s, ok := self.slots[id]
	if !ok {
		return MirrorEntry{}, fmt.Errorf("%w: %d", state.ErrUnknownState, id)
	}
	return s.entry(id), nil
}

func (self *mirror) lookup(name string) (state.StateId, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	id, ok := self.names[name]
	return id, ok
}

// entries in snapshot order
func (self *mirror) entries() []MirrorEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entries := make([]MirrorEntry, 0, len(self.order))
	for _, id := range self.order {
		entries = append(entries, self.slots[id].entry(id))
	}
	return entries
}
