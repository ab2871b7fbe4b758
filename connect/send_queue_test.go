package connect

import (
	"context"
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

func TestUpdateQueue(t *testing.T) {
	queue := newUpdateQueue()
	assert.Equal(t, 0, queue.Len())

	n := 100

	ids := []state.StateId{}
	for i := 1; i <= n; i += 1 {
		ids = append(ids, state.StateId(i))
	}
	mathrand.Shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
	for i, id := range ids {
		coalesced := queue.add(&protocol.Update{Id: id, Version: 1, Value: []byte{1}}, uint64(i))
		assert.Equal(t, coalesced, false)
	}
	assert.Equal(t, n, queue.Len())
	assert.Equal(t, ByteCount(n), queue.byteCount)

	// a newer version replaces in place
	coalesced := queue.add(&protocol.Update{Id: ids[0], Version: 2, Value: []byte{1, 2}}, uint64(n))
	assert.Equal(t, coalesced, true)
	assert.Equal(t, n, queue.Len())
	assert.Equal(t, ByteCount(n+1), queue.byteCount)

	// an older version is dropped
	coalesced = queue.add(&protocol.Update{Id: ids[0], Version: 1, Value: []byte{}}, uint64(n+1))
	assert.Equal(t, coalesced, true)
	assert.Equal(t, ByteCount(n+1), queue.byteCount)

	item := queue.removeByStateId(ids[1])
	assert.NotEqual(t, item, nil)
	assert.Equal(t, ids[1], item.update.Id)
	assert.Equal(t, queue.removeByStateId(ids[1]), nil)

	first := queue.removeFirst()
	assert.Equal(t, ids[0], first.update.Id)
	assert.Equal(t, uint64(2), first.update.Version)
	for i := 2; i < n; i += 1 {
		item := queue.removeFirst()
		assert.Equal(t, ids[i], item.update.Id)
	}
	assert.Equal(t, 0, queue.Len())
	assert.Equal(t, ByteCount(0), queue.byteCount)
	assert.Equal(t, queue.removeFirst(), nil)
}

func TestSendQueueCoalesce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newSendQueue(4)

	queue.AddUpdate(&protocol.Update{Id: 1, Version: 2, Value: state.Encode(state.Int(1))})
	queue.AddUpdate(&protocol.Update{Id: 2, Version: 2, Value: state.Encode(state.Int(10))})
	queue.AddUpdate(&protocol.Update{Id: 1, Version: 3, Value: state.Encode(state.Int(2))})
	queue.AddUpdate(&protocol.Update{Id: 1, Version: 4, Value: state.Encode(state.Int(3))})

	updateCount, _, controlCount := queue.QueueSize()
	assert.Equal(t, 2, updateCount)
	assert.Equal(t, 0, controlCount)

	message, err := queue.Next(ctx)
	assert.Equal(t, err, nil)
	update := message.(*protocol.Update)
	assert.Equal(t, state.StateId(1), update.Id)
	assert.Equal(t, uint64(4), update.Version)
	assert.Equal(t, state.Encode(state.Int(3)), update.Value)

	message, err = queue.Next(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, state.StateId(2), message.(*protocol.Update).Id)
}

func TestSendQueueLanes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newSendQueue(2)

	for i := 1; i <= 3; i += 1 {
		queue.AddUpdate(&protocol.Update{Id: state.StateId(i), Version: 2})
	}
	assert.Equal(t, queue.AddControl(&protocol.Reject{Id: 10}), nil)
	assert.Equal(t, queue.AddControl(&protocol.Reject{Id: 11}), nil)
	assert.Equal(t, queue.AddControl(&protocol.Reject{Id: 12}), ErrBackpressure)

	order := []protocol.MessageType{}
	for range 5 {
		message, err := queue.Next(ctx)
		assert.Equal(t, err, nil)
		order = append(order, message.MessageType())
	}
	// alternates while both lanes have messages
	assert.Equal(t, []protocol.MessageType{
		protocol.MessageTypeUpdate,
		protocol.MessageTypeReject,
		protocol.MessageTypeUpdate,
		protocol.MessageTypeReject,
		protocol.MessageTypeUpdate,
	}, order)
}

func TestSendQueueNextBlocks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := newSendQueue(0)

	go func() {
		time.Sleep(50 * time.Millisecond)
		queue.AddControl(&protocol.Disconnect{Code: protocol.CodeShutdown})
	}()
	message, err := queue.Next(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, protocol.MessageTypeDisconnect, message.MessageType())

	timeoutCtx, timeoutCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer timeoutCancel()
	_, err = queue.Next(timeoutCtx)
	assert.Equal(t, err, context.DeadlineExceeded)

	queue.Close()
	_, err = queue.Next(ctx)
	assert.Equal(t, err, ErrClosed)
	assert.Equal(t, queue.AddControl(&protocol.Reject{}), ErrClosed)
}
