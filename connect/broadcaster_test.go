package connect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"bringyour.com/statesync/state"
)

type offer struct {
	stateId state.StateId
	version uint64
	payload []byte
	deltas  *deltaLog
}

type recordingSink struct {
	mutex  sync.Mutex
	offers []offer
}

func (self *recordingSink) offerUpdate(stateId state.StateId, version uint64, payload []byte, deltas *deltaLog) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.offers = append(self.offers, offer{stateId, version, payload, deltas})
}

func (self *recordingSink) get() []offer {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]offer{}, self.offers...)
}

// a broadcaster that only dispatches when the test calls `Dispatch`
func newManualBroadcaster(registry *state.Registry) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		ctx:      ctx,
		cancel:   cancel,
		registry: registry,
		sinks:    map[state.SubscriberId]updateSink{},
		settings: DefaultBroadcasterSettings(),
	}
}

func TestBroadcasterCoalesce(t *testing.T) {
	registry := state.NewRegistry()
	a := registry.RequireRegister("A", state.IntType(64), state.Int(0))
	b := registry.RequireRegister("B", state.BoolType(), state.Bool(false))

	broadcaster := newManualBroadcaster(registry)
	defer broadcaster.Close()

	subscriberId := state.SubscriberId(NewId())
	sink := &recordingSink{}
	broadcaster.addSink(subscriberId, sink)
	registry.SubscribeAll(subscriberId)

	// nothing dirty
	broadcaster.Dispatch()
	assert.Equal(t, 0, len(sink.get()))

	for i := 1; i <= 3; i += 1 {
		_, err := registry.Mutate(a, state.Int(i))
		assert.Equal(t, err, nil)
	}
	broadcaster.Dispatch()

	offers := sink.get()
	assert.Equal(t, 1, len(offers))
	assert.Equal(t, a, offers[0].stateId)
	assert.Equal(t, uint64(4), offers[0].version)
	assert.Equal(t, state.Encode(state.Int(3)), offers[0].payload)
	assert.Equal(t, registry.IsDirty(a), false)
	assert.Equal(t, registry.IsDirty(b), false)

	// unsubscribed slots are not offered
	registry.Unsubscribe(b, subscriberId)
	registry.Mutate(b, state.Bool(true))
	broadcaster.Dispatch()
	assert.Equal(t, 1, len(sink.get()))
	assert.Equal(t, registry.IsDirty(b), false)

	broadcaster.removeSink(subscriberId)
	registry.Mutate(a, state.Int(10))
	broadcaster.Dispatch()
	assert.Equal(t, 1, len(sink.get()))
}

func TestBroadcasterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := state.NewRegistry()
	a := registry.RequireRegister("A", state.IntType(64), state.Int(0))

	broadcaster := NewBroadcaster(ctx, registry, &BroadcasterSettings{
		FlushInterval:     20 * time.Millisecond,
		BlockingThreshold: kib(1),
	})
	defer broadcaster.Close()

	subscriberId := state.SubscriberId(NewId())
	sink := &recordingSink{}
	broadcaster.addSink(subscriberId, sink)
	registry.SubscribeAll(subscriberId)

	registry.Mutate(a, state.Int(1))

	waitFor(t, 2*time.Second, func() bool {
		offers := sink.get()
		return 0 < len(offers) && offers[len(offers)-1].version == 2
	})
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("Timeout after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
