package connect

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"bringyour.com/statesync/state"
)

type BroadcasterSettings struct {
	// dispatch also runs on this interval, to pick up dirty slots left by a missed notify
	FlushInterval time.Duration
	// encoded values larger than this go through a blocking transfer
	BlockingThreshold ByteCount
}

func DefaultBroadcasterSettings() *BroadcasterSettings {
	return &BroadcasterSettings{
		FlushInterval:     100 * time.Millisecond,
		BlockingThreshold: kib(64),
	}
}

// updateSink receives the dirty slots a subscriber has not acked yet
type updateSink interface {
	offerUpdate(stateId state.StateId, version uint64, payload []byte, deltas *deltaLog)
}

// deltaLog holds the encoded deltas of one dirty slot. `payloads[i]` takes version `base+i`
// to `base+i+1`.
type deltaLog struct {
	base     uint64
	payloads [][]byte
}

func newDeltaLog(dirtySlot *state.DirtySlot) *deltaLog {
	if len(dirtySlot.Deltas) == 0 {
		return nil
	}
	payloads := make([][]byte, len(dirtySlot.Deltas))
	for i, versionedDelta := range dirtySlot.Deltas {
		payloads[i] = state.EncodeDelta(versionedDelta.Delta)
	}
	return &deltaLog{
		base:     dirtySlot.DeltaBase,
		payloads: payloads,
	}
}

// since returns the deltas after `version`, and their encoded size
func (self *deltaLog) since(version uint64) ([][]byte, ByteCount, bool) {
	if self == nil || version < self.base || self.base+uint64(len(self.payloads)) <= version {
		return nil, 0, false
	}
	payloads := self.payloads[version-self.base:]
	var n ByteCount
	for _, payload := range payloads {
		n += ByteCount(len(payload))
	}
	return payloads, n, true
}

// Broadcaster fans dirty slots out to the subscribed sessions.
// One broadcaster drains one registry.
type Broadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *state.Registry

	stateLock sync.Mutex
	sinks     map[state.SubscriberId]updateSink

	settings *BroadcasterSettings
}

func NewBroadcaster(ctx context.Context, registry *state.Registry, settings *BroadcasterSettings) *Broadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	broadcaster := &Broadcaster{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		sinks:    map[state.SubscriberId]updateSink{},
		settings: settings,
	}
	go broadcaster.run()
	return broadcaster
}

func (self *Broadcaster) run() {
	defer self.cancel()

	glog.V(1).Infof("[b]start\n")
	defer glog.V(1).Infof("[b]stop\n")

	ticker := time.NewTicker(self.settings.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.registry.Update():
		case <-ticker.C:
		}
		HandleError(self.Dispatch)
	}
}

func (self *Broadcaster) addSink(subscriberId state.SubscriberId, sink updateSink) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sinks[subscriberId] = sink
}

func (self *Broadcaster) removeSink(subscriberId state.SubscriberId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.sinks, subscriberId)
}

// Dispatch runs one cycle. Each dirty value and its deltas are encoded once for all subscribers.
// Slots that moved during the cycle stay dirty for the next one.
func (self *Broadcaster) Dispatch() {
	dirtySlots := self.registry.Dirty()
	if len(dirtySlots) == 0 {
		return
	}

	self.stateLock.Lock()
	sinks := make(map[state.SubscriberId]updateSink, len(self.sinks))
	for subscriberId, sink := range self.sinks {
		sinks[subscriberId] = sink
	}
	self.stateLock.Unlock()

	for i := range dirtySlots {
		dirtySlot := &dirtySlots[i]
		payload := state.Encode(dirtySlot.Value)
		deltas := newDeltaLog(dirtySlot)
		for _, subscriberId := range dirtySlot.Subscribers {
			if sink, ok := sinks[subscriberId]; ok {
				sink.offerUpdate(dirtySlot.Id, dirtySlot.Version, payload, deltas)
			}
		}
	}
	glog.V(2).Infof("[b]dispatched %d slots to %d sinks\n", len(dirtySlots), len(sinks))

	self.registry.ClearDirty(dirtySlots)
}

func (self *Broadcaster) Close() {
	self.cancel()
}
