package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

// a decoded signal invoke waiting for the signal worker
type signalCall struct {
	invoke *protocol.SignalInvoke
	args   []state.Value
}

// hostSession is the host side of one handshaken connection.
// It runs a reader, a writer and a signal worker in one group.
type hostSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId    Id
	subscriberId state.SubscriberId
	tag          string
	claims       *AuthClaims

	conn       Conn
	registry   *state.Registry
	dispatcher *Dispatcher
	server     *Server

	queue     *sendQueue
	transfers *transferManager
	signals   chan signalCall

	stateLock sync.Mutex
	// the last version queued per slot. advanced optimistically when queued
	lastAcked map[state.StateId]uint64

	closeOnce sync.Once

	settings *ServerSettings
}

func newHostSession(ctx context.Context, server *Server, conn Conn, claims *AuthClaims) *hostSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	sessionId := NewId()
	session := &hostSession{
		ctx:          cancelCtx,
		cancel:       cancel,
		sessionId:    sessionId,
		subscriberId: state.SubscriberId(sessionId),
		tag:          sessionTag(sessionId),
		claims:       claims,
		conn:         conn,
		registry:     server.registry,
		dispatcher:   server.dispatcher,
		server:       server,
		queue:        newSendQueue(server.settings.MaxControlQueueLen),
		signals:      make(chan signalCall, server.settings.SignalQueueLen),
		lastAcked:    map[state.StateId]uint64{},
		settings:     server.settings,
	}
	session.transfers = newTransferManager(session.tag, session.send, session.transferSource, server.settings.TransferSettings)
	return session
}

// send queues a control message. A full control lane closes the session.
func (self *hostSession) send(message protocol.Message) error {
	err := self.queue.AddControl(message)
	if errors.Is(err, ErrBackpressure) {
		glog.Infof("%s control queue full\n", self.tag)
		go self.Close(protocol.CodeBackpressure)
	}
	return err
}

func (self *hostSession) transferSource(stateId state.StateId) (uint64, []byte, bool) {
	value, version, err := self.registry.Get(stateId)
	if err != nil {
		return 0, nil, false
	}
	if !self.registry.IsSubscribed(stateId, self.subscriberId) {
		return 0, nil, false
	}
	return version, state.Encode(value), true
}

func (self *hostSession) isBlocking(payload []byte) bool {
	return self.isBlockingLen(ByteCount(len(payload)))
}

func (self *hostSession) isBlockingLen(n ByteCount) bool {
	threshold := self.settings.BroadcasterSettings.BlockingThreshold
	return 0 < threshold && threshold < n
}

// offerUpdate is called by the broadcaster for each dirty subscribed slot.
// Deltas are sent in place of the value when they follow the last queued version
// and nothing for the slot is waiting to be sent.
func (self *hostSession) offerUpdate(stateId state.StateId, version uint64, payload []byte, deltas *deltaLog) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	lastAcked := self.lastAcked[stateId]
	if version <= lastAcked {
		return
	}
	if !self.registry.IsSubscribed(stateId, self.subscriberId) {
		return
	}
	self.lastAcked[stateId] = version

	if deltaPayloads, n, ok := deltas.since(lastAcked); ok &&
		n < ByteCount(len(payload)) &&
		!self.isBlockingLen(n) &&
		!self.queue.HasUpdate(stateId) &&
		!self.transfers.IsDeferred(stateId) {
		self.queue.AddUpdate(&protocol.Update{
			Id:          stateId,
			Version:     version,
			BaseVersion: lastAcked,
			Deltas:      deltaPayloads,
		})
		glog.V(2).Infof("%s[u]%d v%d delta from v%d (%d bytes)\n", self.tag, stateId, version, lastAcked, n)
		return
	}

	if self.isBlocking(payload) {
		self.queue.RemoveUpdate(stateId)
		if err := self.transfers.Offer(stateId); err != nil {
			glog.V(1).Infof("%s offer %d error = %s\n", self.tag, stateId, err)
		}
		return
	}
	coalesced := self.queue.AddUpdate(&protocol.Update{
		Id:      stateId,
		Version: version,
		Value:   payload,
	})
	if coalesced {
		glog.V(2).Infof("%s[u]%d v%d coalesced\n", self.tag, stateId, version)
	}
}

// snapshot subscribes to every slot and builds the bootstrap snapshot.
// Returns the ids whose values follow as blocking transfers.
func (self *hostSession) snapshot() (*protocol.Snapshot, []state.StateId) {
	self.server.broadcaster.addSink(self.subscriberId, self)
	entries := self.registry.SubscribeAll(self.subscriberId)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot := &protocol.Snapshot{
		Entries: make([]protocol.SnapshotEntry, 0, len(entries)),
	}
	deferredIds := []state.StateId{}
	limit := self.settings.snapshotLimit()
	var inlineLen ByteCount
	for _, entry := range entries {
		payload := state.Encode(entry.Value)
		snapshotEntry := protocol.SnapshotEntry{
			Id:      entry.Id,
			Version: entry.Version,
			Name:    entry.Name,
			Type:    entry.Type,
			Access:  entry.Access,
		}
		if self.isBlocking(payload) || (0 < limit && limit < inlineLen+ByteCount(len(payload))) {
			snapshotEntry.Deferred = true
			deferredIds = append(deferredIds, entry.Id)
		} else {
			snapshotEntry.Value = payload
			inlineLen += ByteCount(len(payload))
		}
		snapshot.Entries = append(snapshot.Entries, snapshotEntry)
		self.lastAcked[entry.Id] = max(self.lastAcked[entry.Id], entry.Version)
	}
	return snapshot, deferredIds
}

func (self *hostSession) run(writeTimeout time.Duration) error {
	defer self.cleanup()

	glog.V(1).Infof("%s start (%s)\n", self.tag, self.claims.Subject)
	defer glog.V(1).Infof("%s end\n", self.tag)

	snapshot, deferredIds := self.snapshot()
	if err := writeMessage(self.ctx, self.conn, snapshot, writeTimeout); err != nil {
		return err
	}
	for _, stateId := range deferredIds {
		if err := self.transfers.Offer(stateId); err != nil {
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(self.ctx)
	group.Go(func() error {
		defer self.cancel()
		return self.read(groupCtx)
	})
	group.Go(func() error {
		defer self.cancel()
		return self.write(groupCtx)
	})
	group.Go(func() error {
		defer self.cancel()
		return self.runSignals(groupCtx)
	})
	return group.Wait()
}

func (self *hostSession) cleanup() {
	self.cancel()
	self.registry.UnsubscribeAll(self.subscriberId)
	self.server.broadcaster.removeSink(self.subscriberId)
	self.transfers.Close()
	self.queue.Close()
	self.conn.Close()
}

// Close ends the session. The disconnect frame is written best effort.
func (self *hostSession) Close(code protocol.Code) {
	self.closeOnce.Do(func() {
		if code != protocol.CodeNone {
			glog.V(1).Infof("%s close (%s)\n", self.tag, code)
			writeMessage(context.Background(), self.conn, &protocol.Disconnect{Code: code}, self.settings.DisconnectTimeout)
		}
		self.cancel()
		self.conn.Close()
	})
}

func (self *hostSession) write(ctx context.Context) error {
	for {
		message, err := self.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if err := self.conn.WriteMessage(ctx, protocol.EncodeFrame(message)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			glog.Infof("%s write error = %s\n", self.tag, err)
			return err
		}
		glog.V(2).Infof("%s-> %s\n", self.tag, message.MessageType())
	}
}

func (self *hostSession) read(ctx context.Context) error {
	for {
		b, err := self.conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			glog.V(1).Infof("%s read error = %s\n", self.tag, err)
			return err
		}
		message, err := protocol.DecodeFrame(b)
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			glog.V(1).Infof("%s<- skip %s\n", self.tag, err)
			continue
		}
		if err != nil {
			glog.Infof("%s<- decode error = %s\n", self.tag, err)
			self.Close(protocol.CodeDecode)
			return err
		}
		glog.V(2).Infof("%s<- %s\n", self.tag, message.MessageType())

		done, err := self.handle(message)
		if err != nil {
			self.Close(protocol.CodeOf(err))
			return err
		}
		if done {
			return nil
		}
	}
}

// handle returns true when the client ended the session
func (self *hostSession) handle(message protocol.Message) (bool, error) {
	switch v := message.(type) {
	case *protocol.Update:
		if v.IsDelta() {
			return false, fmt.Errorf("%w: deltas from a client", ErrProtocol)
		}
		return false, self.applyRemote(v.Id, v.Version, v.Value)

	case *protocol.Subscribe:
		for _, stateId := range v.Ids {
			if err := self.registry.Subscribe(stateId, self.subscriberId); err != nil {
				if err := self.reject(stateId, err); err != nil {
					return false, err
				}
				continue
			}
			self.resync(stateId)
		}
		return false, nil

	case *protocol.Unsubscribe:
		for _, stateId := range v.Ids {
			if err := self.unsubscribe(stateId); err != nil {
				if err := self.reject(stateId, err); err != nil {
					return false, err
				}
			}
		}
		return false, nil

	case *protocol.SignalInvoke:
		// undecodable args are connection fatal like any malformed payload
		args, err := protocol.DecodeValues(v.Args)
		if err != nil {
			return false, err
		}
		select {
		case self.signals <- signalCall{invoke: v, args: args}:
			return false, nil
		default:
			glog.Infof("%s signal queue full, %s\n", self.tag, v.Name)
			return false, self.send(&protocol.SignalResult{
				CallId: v.CallId,
				Name:   v.Name,
				Code:   protocol.CodeBackpressure,
			})
		}

	case *protocol.SignalResult:
		// results of host emits are not collected
		return false, nil

	case *protocol.BlockingBegin:
		return false, self.transfers.OnBegin(v)

	case *protocol.BlockingChunk:
		return false, self.transfers.OnChunk(v)

	case *protocol.BlockingEnd:
		transferValue, err := self.transfers.OnEnd(v)
		if err != nil || transferValue == nil {
			return false, err
		}
		return false, self.applyRemote(transferValue.StateId, transferValue.Version, transferValue.Payload)

	case *protocol.BlockingAck:
		return false, self.transfers.OnAck(v)

	case *protocol.BlockingAbort:
		return false, self.transfers.OnAbort(v)

	case *protocol.Disconnect:
		glog.V(1).Infof("%s client disconnect (%s)\n", self.tag, v.Code)
		return true, nil

	default:
		// handshake, ack, snapshot and rejects are only valid from the host or before the session
		return false, fmt.Errorf("%w: %s in session", ErrProtocol, message.MessageType())
	}
}

// resync queues the current value, also when the client should have it already.
// A client that cannot apply deltas subscribes again to get the full value.
func (self *hostSession) resync(stateId state.StateId) {
	value, version, err := self.registry.Get(stateId)
	if err != nil {
		return
	}
	self.stateLock.Lock()
	delete(self.lastAcked, stateId)
	self.stateLock.Unlock()
	self.offerUpdate(stateId, version, state.Encode(value), nil)
}

// unsubscribe forgets what was queued for the slot. Unsent values are dropped,
// so a later subscribe resends the current value.
func (self *hostSession) unsubscribe(stateId state.StateId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if err := self.registry.Unsubscribe(stateId, self.subscriberId); err != nil {
		return err
	}
	self.queue.RemoveUpdate(stateId)
	self.transfers.Drop(stateId)
	delete(self.lastAcked, stateId)
	return nil
}

// applyRemote applies a client mutation. `baseVersion` is the version the client mutated from.
// The host is authoritative: a stale base still applies, last writer wins.
func (self *hostSession) applyRemote(stateId state.StateId, baseVersion uint64, payload []byte) error {
	t, err := self.registry.Type(stateId)
	if err != nil {
		return self.reject(stateId, err)
	}
	value, err := state.Decode(payload, t)
	if errors.Is(err, state.ErrUnknownVariant) {
		return self.reject(stateId, err)
	}
	if err != nil {
		// the bytes cannot be trusted
		return err
	}
	version, err := self.registry.MutateRemote(stateId, value)
	if err != nil {
		return self.reject(stateId, err)
	}
	if baseVersion+1 != version {
		glog.V(2).Infof("%s[u]%d stale base v%d applied as v%d\n", self.tag, stateId, baseVersion, version)
	}
	return nil
}

func (self *hostSession) reject(stateId state.StateId, err error) error {
	glog.V(1).Infof("%s[u]%d reject = %s\n", self.tag, stateId, err)
	return self.send(&protocol.Reject{
		Id:   stateId,
		Code: protocol.CodeOf(err),
	})
}

func (self *hostSession) runSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-self.signals:
			invoke := call.invoke
			results, err := self.invoke(ctx, invoke.Name, call.args)
			if !invoke.WantResult && err == nil {
				continue
			}
			signalResult := &protocol.SignalResult{
				CallId:  invoke.CallId,
				Name:    invoke.Name,
				Results: protocol.EncodeValues(results),
				Code:    protocol.CodeOf(err),
			}
			if err := self.send(signalResult); err != nil {
				return err
			}
		}
	}
}

func (self *hostSession) invoke(ctx context.Context, name string, args []state.Value) ([]state.Value, error) {
	return TraceWithReturnError(
		fmt.Sprintf("%s invoke %s", self.tag, name),
		func() ([]state.Value, error) {
			return self.dispatcher.Invoke(ctx, name, args)
		},
	)
}
