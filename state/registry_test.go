package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRegistryRegister(t *testing.T) {
	registry := NewRegistry()

	a, err := registry.Register("a", IntType(64), Int(5))
	assert.Equal(t, err, nil)
	b, err := registry.Register("b", BoolType(), Bool(true))
	assert.Equal(t, err, nil)
	assert.Equal(t, StateId(1), a)
	assert.Equal(t, StateId(2), b)

	_, err = registry.Register("a", IntType(64), Int(1))
	assert.Equal(t, true, errors.Is(err, ErrDuplicateName))

	_, err = registry.Register("c", IntType(64), String("nope"))
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	// a nil initial value is the zero value of the type
	c, err := registry.Register("c", StringType(), nil)
	assert.Equal(t, err, nil)
	v, version, err := registry.Get(c)
	assert.Equal(t, err, nil)
	assert.Equal(t, String(""), v)
	assert.Equal(t, uint64(1), version)

	id, ok := registry.Lookup("b")
	assert.Equal(t, true, ok)
	assert.Equal(t, b, id)
	_, ok = registry.Lookup("missing")
	assert.Equal(t, false, ok)

	snapshot := registry.Snapshot()
	assert.Equal(t, 3, len(snapshot))
	assert.Equal(t, "a", snapshot[0].Name)
	assert.Equal(t, Int(5), snapshot[0].Value)
	assert.Equal(t, uint64(1), snapshot[0].Version)
	assert.Equal(t, Bool(true), snapshot[1].Value)
	assert.Equal(t, false, registry.IsDirty(a))
}

func TestRegistryMutateVersions(t *testing.T) {
	registry := NewRegistry()
	a := registry.RequireRegister("a", IntType(32), Int(0))

	lastVersion := uint64(1)
	for i := 1; i <= 100; i += 1 {
		version, err := registry.Mutate(a, Int(i))
		assert.Equal(t, err, nil)
		assert.Equal(t, true, lastVersion < version)
		lastVersion = version
	}
	v, version, err := registry.Get(a)
	assert.Equal(t, err, nil)
	assert.Equal(t, Int(100), v)
	assert.Equal(t, uint64(101), version)
	assert.Equal(t, true, registry.IsDirty(a))

	_, err = registry.Mutate(StateId(99), Int(1))
	assert.Equal(t, true, errors.Is(err, ErrUnknownState))

	_, err = registry.Mutate(a, Int(1<<40))
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	// failed mutations do not bump the version
	_, version, _ = registry.Get(a)
	assert.Equal(t, uint64(101), version)
}

func TestRegistryConcurrentMutate(t *testing.T) {
	registry := NewRegistry()
	counter := registry.RequireRegister("counter", AtomicType(), nil)

	n := 16
	m := 256
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < m; j += 1 {
				_, _, err := registry.Increment(counter, 1)
				assert.Equal(t, err, nil)
			}
		}()
	}
	wg.Wait()

	v, version, err := registry.Get(counter)
	assert.Equal(t, err, nil)
	assert.Equal(t, Atomic(n*m), v)
	assert.Equal(t, uint64(1+n*m), version)
}

func TestRegistryReadOnly(t *testing.T) {
	registry := NewRegistry()
	a := registry.RequireRegister("a", StringType(), String("host"), WithAccess(ReadOnly))

	_, err := registry.MutateRemote(a, String("client"))
	assert.Equal(t, true, errors.Is(err, ErrReadOnly))

	_, err = registry.Mutate(a, String("host2"))
	assert.Equal(t, err, nil)
}

func TestRegistryContainers(t *testing.T) {
	registry := NewRegistry()
	x := registry.RequireRegister("x", IntType(64), Int(1))
	y := registry.RequireRegister("y", IntType(64), Int(2))
	z := registry.RequireRegister("z", IntType(64), Int(3))
	list := registry.RequireRegister("list", ListType(), List{x, z})
	dict := registry.RequireRegister("dict", DictType(), nil)

	_, err := registry.ListInsert(list, 1, y)
	assert.Equal(t, err, nil)
	v, _, _ := registry.Get(list)
	assert.Equal(t, List{x, y, z}, v)

	_, err = registry.ListRemove(list, x)
	assert.Equal(t, err, nil)
	v, _, _ = registry.Get(list)
	// surviving children keep their ids
	assert.Equal(t, List{y, z}, v)

	_, err = registry.ListRemove(list, x)
	assert.Equal(t, true, errors.Is(err, ErrUnknownState))

	_, err = registry.ListInsert(list, 0, StateId(999))
	assert.Equal(t, true, errors.Is(err, ErrUnknownState))

	_, err = registry.ListInsert(list, 0, list)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))

	_, err = registry.DictSet(dict, "first", x)
	assert.Equal(t, err, nil)
	_, err = registry.DictSet(dict, "second", y)
	assert.Equal(t, err, nil)
	version, err := registry.DictRemove(dict, "first")
	assert.Equal(t, err, nil)
	assert.Equal(t, uint64(4), version)
	v, _, _ = registry.Get(dict)
	assert.Equal(t, Dict{"second": y}, v)

	_, err = registry.DictSet(list, "k", x)
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
}

func TestRegistryGetIsCopy(t *testing.T) {
	registry := NewRegistry()
	x := registry.RequireRegister("x", IntType(64), Int(1))
	list := registry.RequireRegister("list", ListType(), List{x})

	v, _, _ := registry.Get(list)
	v.(List)[0] = StateId(42)

	v, _, _ = registry.Get(list)
	assert.Equal(t, List{x}, v)
}

func TestRegistryDirty(t *testing.T) {
	registry := NewRegistry()
	a := registry.RequireRegister("a", IntType(64), Int(0))
	b := registry.RequireRegister("b", IntType(64), Int(0))

	var sessionId SubscriberId
	sessionId[0] = 1
	registry.SubscribeAll(sessionId)

	// subscribe all covers later registrations
	c := registry.RequireRegister("c", IntType(64), Int(0))
	assert.Equal(t, true, registry.IsSubscribed(c, sessionId))

	registry.Mutate(a, Int(1))
	registry.Mutate(b, Int(1))
	select {
	case <-registry.Update():
	default:
		t.Fatal("Expected an update notification")
	}

	dirtySlots := registry.Dirty()
	assert.Equal(t, 2, len(dirtySlots))
	assert.Equal(t, a, dirtySlots[0].Id)
	assert.Equal(t, []SubscriberId{sessionId}, dirtySlots[0].Subscribers)

	// b changes while the cycle runs and must stay dirty
	registry.Mutate(b, Int(2))
	registry.ClearDirty(dirtySlots)
	assert.Equal(t, false, registry.IsDirty(a))
	assert.Equal(t, true, registry.IsDirty(b))

	dirtySlots = registry.Dirty()
	assert.Equal(t, 1, len(dirtySlots))
	assert.Equal(t, Int(2), dirtySlots[0].Value)
	assert.Equal(t, uint64(3), dirtySlots[0].Version)

	registry.UnsubscribeAll(sessionId)
	assert.Equal(t, false, registry.IsSubscribed(a, sessionId))
}

func TestRegistryChangeCallback(t *testing.T) {
	registry := NewRegistry()
	a := registry.RequireRegister("a", IntType(64), Int(0))

	type change struct {
		id      StateId
		value   Value
		version uint64
		remote  bool
	}
	changes := []change{}
	remove := registry.AddChangeCallback(func(id StateId, value Value, version uint64, remote bool) {
		// the registry lock is not held
		_, _, err := registry.Get(id)
		assert.Equal(t, err, nil)
		changes = append(changes, change{id, value, version, remote})
	})

	registry.Mutate(a, Int(1))
	registry.MutateRemote(a, Int(2))
	remove()
	registry.Mutate(a, Int(3))

	assert.Equal(t, []change{
		{a, Int(1), 2, false},
		{a, Int(2), 3, true},
	}, changes)
}

func TestRegistrySubscribeAllConcurrentMutate(t *testing.T) {
	registry := NewRegistry()
	a := registry.RequireRegister("a", IntType(64), Int(0))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); ; i += 1 {
			select {
			case <-stop:
				return
			default:
			}
			registry.Mutate(a, Int(i))
		}
	}()

	var sessionId SubscriberId
	sessionId[0] = 7
	entries := registry.SubscribeAll(sessionId)
	close(stop)
	wg.Wait()

	// the snapshot value and version belong together
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, Int(int64(entries[0].Version)-1), entries[0].Value)

	// every version after the snapshot is delivered as dirty to the subscriber
	_, version, _ := registry.Get(a)
	if entries[0].Version < version {
		dirtySlots := registry.Dirty()
		assert.Equal(t, 1, len(dirtySlots))
		assert.Equal(t, []SubscriberId{sessionId}, dirtySlots[0].Subscribers)
	}
}

func TestRegistryDeltaLog(t *testing.T) {
	registry := NewRegistry()
	g := registry.RequireRegister("g", GraphType(GraphF64), Graph{Precision: GraphF64, Y: []float64{}})

	var sessionId SubscriberId
	sessionId[0] = 1
	registry.SubscribeAll(sessionId)

	_, err := registry.AppendGraph(g, []float64{1}, nil)
	assert.Equal(t, err, nil)
	_, err = registry.AppendGraph(g, []float64{2}, nil)
	assert.Equal(t, err, nil)

	dirtySlots := registry.Dirty()
	assert.Equal(t, 1, len(dirtySlots))
	assert.Equal(t, uint64(3), dirtySlots[0].Version)
	assert.Equal(t, uint64(1), dirtySlots[0].DeltaBase)
	assert.Equal(t, 2, len(dirtySlots[0].Deltas))
	assert.Equal(t, uint64(2), dirtySlots[0].Deltas[0].Version)
	assert.Equal(t, GraphAppend{Y: []float64{2}}, dirtySlots[0].Deltas[1].Delta)

	// an append during the cycle keeps only the deltas after the dispatched version
	registry.AppendGraph(g, []float64{3}, nil)
	registry.ClearDirty(dirtySlots)
	dirtySlots = registry.Dirty()
	assert.Equal(t, uint64(4), dirtySlots[0].Version)
	assert.Equal(t, uint64(3), dirtySlots[0].DeltaBase)
	assert.Equal(t, 1, len(dirtySlots[0].Deltas))
	registry.ClearDirty(dirtySlots)

	// a full mutation drops the log until the next cycle
	registry.AppendGraph(g, []float64{4}, nil)
	registry.Mutate(g, Graph{Precision: GraphF64, Y: []float64{9}})
	registry.AppendGraph(g, []float64{10}, nil)
	dirtySlots = registry.Dirty()
	assert.Equal(t, 0, len(dirtySlots[0].Deltas))
	v, _, _ := registry.Get(g)
	assert.Equal(t, true, v.Equal(Graph{Precision: GraphF64, Y: []float64{9, 10}}))
	registry.ClearDirty(dirtySlots)

	b := registry.RequireRegister("b", BlobType(), Blob{Format: BlobGray, Shape: []uint32{2, 2}, Data: make([]byte, 4)})
	_, err = registry.PatchBlob(b, [2]uint32{1, 1}, Blob{Format: BlobGray, Shape: []uint32{1, 1}, Data: []byte{5}})
	assert.Equal(t, err, nil)
	v, version, _ := registry.Get(b)
	assert.Equal(t, uint64(2), version)
	assert.Equal(t, []byte{0, 0, 0, 5}, v.(Blob).Data)

	// a patch that does not fit leaves the slot unchanged
	_, err = registry.PatchBlob(b, [2]uint32{2, 0}, Blob{Format: BlobGray, Shape: []uint32{1, 1}, Data: []byte{5}})
	assert.Equal(t, true, errors.Is(err, ErrTypeMismatch))
	_, version, _ = registry.Get(b)
	assert.Equal(t, uint64(2), version)
}
