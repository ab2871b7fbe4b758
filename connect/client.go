package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

type DialFunction func(ctx context.Context) (Conn, error)

type ClientChangeFunction func(entry MirrorEntry)

type RejectFunction func(stateId state.StateId, err error)

type ClientSettings struct {
	ProtocolVersion uint32
	Features        []string
	// 0 skips the host schema check
	SchemaHash uint64
	AuthToken  string

	HandshakeTimeout  time.Duration
	DisconnectTimeout time.Duration

	// nil never retries
	RetryPolicy RetryPolicy
	Backoff     *BackoffSettings

	MaxControlQueueLen int
	SignalQueueLen     int
	// encoded mutations larger than this go upstream as a blocking transfer
	BlockingThreshold ByteCount

	TransportSettings *TransportSettings
	TransferSettings  *TransferSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ProtocolVersion:    protocol.ProtocolVersion,
		Features:           []string{},
		HandshakeTimeout:   5 * time.Second,
		DisconnectTimeout:  1 * time.Second,
		RetryPolicy:        DefaultRetryPolicy,
		Backoff:            DefaultBackoffSettings(),
		MaxControlQueueLen: 1024,
		SignalQueueLen:     64,
		BlockingThreshold:  kib(64),
		TransportSettings:  DefaultTransportSettings(),
		TransferSettings:   DefaultTransferSettings(),
	}
}

// Client keeps a mirror of a host registry over a reconnecting connection.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial       DialFunction
	mirror     *mirror
	dispatcher *Dispatcher

	stateLock       sync.Mutex
	connectionState ConnectionState
	lastErr         error
	sessionId       Id
	connection      *clientConnection
	// cancels the connect loop
	runCancel context.CancelFunc
	runDone   chan struct{}
	// ids the caller unsubscribed from. re-sent after each handshake
	unsubscribed map[state.StateId]bool

	pendingLock sync.Mutex
	nextCallId  uint64
	pending     map[uint64]chan *protocol.SignalResult

	stateMonitor *Monitor

	changeCallbacks *CallbackList[ClientChangeFunction]
	stateCallbacks  *CallbackList[ConnectionStateFunction]
	rejectCallbacks *CallbackList[RejectFunction]

	settings *ClientSettings
}

func NewClientWithDefaults(ctx context.Context, dial DialFunction) *Client {
	return NewClient(ctx, dial, DefaultClientSettings())
}

func NewClient(ctx context.Context, dial DialFunction, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Client{
		ctx:             cancelCtx,
		cancel:          cancel,
		dial:            dial,
		mirror:          newMirror(clientTag(Id{})),
		dispatcher:      NewDispatcher(),
		connectionState: Disconnected,
		unsubscribed:    map[state.StateId]bool{},
		pending:         map[uint64]chan *protocol.SignalResult{},
		stateMonitor:    NewMonitor(),
		changeCallbacks: NewCallbackList[ClientChangeFunction](),
		stateCallbacks:  NewCallbackList[ConnectionStateFunction](),
		rejectCallbacks: NewCallbackList[RejectFunction](),
		settings:        settings,
	}
}

func NewWebsocketClient(ctx context.Context, url string, settings *ClientSettings) *Client {
	dial := func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		return DialWebsocket(ctx, url, header, settings.TransportSettings)
	}
	return NewClient(ctx, dial, settings)
}

// Dispatcher holds the local handlers for signals the host emits.
func (self *Client) Dispatcher() *Dispatcher {
	return self.dispatcher
}

func (self *Client) AddChangeCallback(callback ClientChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *Client) AddConnectionStateCallback(callback ConnectionStateFunction) func() {
	return self.stateCallbacks.Add(callback)
}

func (self *Client) AddRejectCallback(callback RejectFunction) func() {
	return self.rejectCallbacks.Add(callback)
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.connectionState
}

// LastError is the error that ended the last connection attempt.
func (self *Client) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.lastErr
}

func (self *Client) SessionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.sessionId
}

func (self *Client) transition(to ConnectionState) error {
	var from ConnectionState
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		from = self.connectionState
		if err := checkTransition(from, to); err != nil {
			return err
		}
		self.connectionState = to
		return nil
	}()
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	glog.V(1).Infof("%s %s -> %s\n", clientTag(self.SessionId()), from, to)
	self.stateMonitor.NotifyAll()
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(from, to)
		})
	}
	return nil
}

// Connect starts the connect loop. The loop reconnects until `Disconnect`,
// `Close` or the retry policy gives up.
func (self *Client) Connect() error {
	select {
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}

	if err := self.transition(Handshaking); err != nil {
		return err
	}

	runCtx, runCancel := context.WithCancel(self.ctx)
	runDone := make(chan struct{})
	self.stateLock.Lock()
	self.runCancel = runCancel
	self.runDone = runDone
	self.stateLock.Unlock()

	go func() {
		defer close(runDone)
		HandleError(func() {
			self.run(runCtx)
		})
	}()
	return nil
}

func (self *Client) run(ctx context.Context) {
	defer self.transition(Disconnected)

	attempt := 0
	for {
		connected, err := self.connect(ctx)

		self.stateLock.Lock()
		self.lastErr = err
		self.stateLock.Unlock()

		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 1
			self.transition(Reconnecting)
		} else {
			attempt += 1
		}
		glog.V(1).Infof("%s connection end (attempt %d) = %s\n", clientTag(Id{}), attempt, err)

		if self.settings.RetryPolicy == nil || !self.settings.RetryPolicy(attempt, err) {
			return
		}
		if !connected {
			// a failed handshake passes through disconnected before the retry
			self.transition(Disconnected)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.Backoff.Delay(attempt)):
		}
		if err := self.transition(Handshaking); err != nil {
			glog.Infof("%s retry = %s\n", clientTag(Id{}), err)
			return
		}
	}
}

// connect runs one connection to its end. `connected` is true if the handshake completed.
func (self *Client) connect(ctx context.Context) (connected bool, returnErr error) {
	conn, err := TraceWithReturnError("[c]dial", func() (Conn, error) {
		return self.dial(ctx)
	})
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ack, snapshot, err := clientHandshake(ctx, conn, self.settings)
	if err != nil {
		return false, err
	}
	if err := self.mirror.replace(snapshot); err != nil {
		return false, err
	}

	sessionId := Id(ack.SessionId)
	connection := newClientConnection(ctx, self, sessionId, conn)
	defer connection.cancel()

	self.stateLock.Lock()
	self.sessionId = sessionId
	self.connection = connection
	unsubscribed := []state.StateId{}
	for stateId := range self.unsubscribed {
		unsubscribed = append(unsubscribed, stateId)
	}
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.connection == connection {
			self.connection = nil
		}
		self.stateLock.Unlock()
		self.failPending()
	}()

	if 0 < len(unsubscribed) {
		connection.send(&protocol.Unsubscribe{Ids: unsubscribed})
	}

	if err := self.transition(Connected); err != nil {
		return false, err
	}
	for _, entry := range self.mirror.entries() {
		self.notifyChange(entry)
	}

	return true, connection.run()
}

func (self *Client) currentConnection() (*clientConnection, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.connection == nil || self.connectionState != Connected {
		return nil, ErrNotConnected
	}
	return self.connection, nil
}

// WaitConnected blocks until the client is connected or the connect loop stops.
func (self *Client) WaitConnected(ctx context.Context) error {
	for {
		notify := self.stateMonitor.NotifyChannel()
		self.stateLock.Lock()
		connectionState := self.connectionState
		runDone := self.runDone
		lastErr := self.lastErr
		self.stateLock.Unlock()

		switch connectionState {
		case Connected:
			return nil
		case Disconnected:
			if runDone == nil {
				return ErrNotConnected
			}
			select {
			case <-runDone:
				if lastErr != nil {
					return lastErr
				}
				return ErrNotConnected
			default:
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrClosed
		case <-runDone:
		case <-notify:
		}
	}
}

// Disconnect stops the connect loop. The mirror keeps the last known values.
func (self *Client) Disconnect() {
	self.stateLock.Lock()
	connection := self.connection
	runCancel := self.runCancel
	runDone := self.runDone
	self.stateLock.Unlock()

	if connection != nil {
		connection.Close(protocol.CodeNone)
	}
	if runCancel != nil {
		runCancel()
		<-runDone
	}
	self.transition(Disconnected)
}

func (self *Client) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Client) Get(id state.StateId) (MirrorEntry, error) {
	return self.mirror.get(id)
}

func (self *Client) Lookup(name string) (MirrorEntry, error) {
	id, ok := self.mirror.lookup(name)
	if !ok {
		return MirrorEntry{}, fmt.Errorf("%w: %s", state.ErrUnknownState, name)
	}
	return self.mirror.get(id)
}

func (self *Client) Entries() []MirrorEntry {
	return self.mirror.entries()
}

// Mutate sets a speculative local value and sends it to the host.
// The host echo confirms it. A reject restores the confirmed value.
func (self *Client) Mutate(id state.StateId, v state.Value) error {
	connection, err := self.currentConnection()
	if err != nil {
		return err
	}
	baseVersion, entry, err := self.mirror.speculate(id, v)
	if err != nil {
		return err
	}
	self.notifyChange(*entry)

	payload := state.Encode(v)
	threshold := self.settings.BlockingThreshold
	if 0 < threshold && threshold < ByteCount(len(payload)) {
		connection.queue.RemoveUpdate(id)
		return connection.transfers.Offer(id)
	}
	connection.queue.AddUpdate(&protocol.Update{
		Id:      id,
		Version: baseVersion,
		Value:   payload,
	})
	return nil
}

func (self *Client) MutateByName(name string, v state.Value) error {
	id, ok := self.mirror.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrUnknownState, name)
	}
	return self.Mutate(id, v)
}

func (self *Client) Subscribe(ids ...state.StateId) error {
	self.stateLock.Lock()
	for _, id := range ids {
		delete(self.unsubscribed, id)
	}
	self.stateLock.Unlock()

	connection, err := self.currentConnection()
	if err != nil {
		return err
	}
	return connection.send(&protocol.Subscribe{Ids: ids})
}

func (self *Client) Unsubscribe(ids ...state.StateId) error {
	self.stateLock.Lock()
	for _, id := range ids {
		self.unsubscribed[id] = true
	}
	self.stateLock.Unlock()

	connection, err := self.currentConnection()
	if err != nil {
		return err
	}
	return connection.send(&protocol.Unsubscribe{Ids: ids})
}

// Invoke runs a host signal and waits for its results.
func (self *Client) Invoke(ctx context.Context, name string, args []state.Value) ([]state.Value, error) {
	connection, err := self.currentConnection()
	if err != nil {
		return nil, err
	}

	resultChannel := make(chan *protocol.SignalResult, 1)
	self.pendingLock.Lock()
	self.nextCallId += 1
	callId := self.nextCallId
	self.pending[callId] = resultChannel
	self.pendingLock.Unlock()
	defer func() {
		self.pendingLock.Lock()
		delete(self.pending, callId)
		self.pendingLock.Unlock()
	}()

	err = connection.send(&protocol.SignalInvoke{
		CallId:     callId,
		Name:       name,
		Args:       protocol.EncodeValues(args),
		WantResult: true,
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultChannel:
		if result == nil {
			return nil, ErrNotConnected
		}
		if err := result.Code.Err(); err != nil {
			return nil, err
		}
		return protocol.DecodeValues(result.Results)
	}
}

func (self *Client) completePending(result *protocol.SignalResult) {
	self.pendingLock.Lock()
	resultChannel, ok := self.pending[result.CallId]
	delete(self.pending, result.CallId)
	self.pendingLock.Unlock()

	if !ok {
		glog.V(1).Infof("%s result for unknown call %d\n", clientTag(self.SessionId()), result.CallId)
		return
	}
	resultChannel <- result
}

// pending invocations do not survive the connection
func (self *Client) failPending() {
	self.pendingLock.Lock()
	pending := self.pending
	self.pending = map[uint64]chan *protocol.SignalResult{}
	self.pendingLock.Unlock()

	for _, resultChannel := range pending {
		resultChannel <- nil
	}
}

func (self *Client) notifyChange(entry MirrorEntry) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(entry)
		})
	}
}

func (self *Client) notifyReject(stateId state.StateId, err error) {
	for _, callback := range self.rejectCallbacks.Get() {
		HandleError(func() {
			callback(stateId, err)
		})
	}
}

// clientConnection is one handshaken connection of a client
type clientConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *Client
	tag    string
	conn   Conn

	queue     *sendQueue
	transfers *transferManager
	signals   chan signalCall

	closeOnce sync.Once
	// the reason the host gave for ending the connection
	hostErr error
}

func newClientConnection(ctx context.Context, client *Client, sessionId Id, conn Conn) *clientConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &clientConnection{
		ctx:     cancelCtx,
		cancel:  cancel,
		client:  client,
		tag:     clientTag(sessionId),
		conn:    conn,
		queue:   newSendQueue(client.settings.MaxControlQueueLen),
		signals: make(chan signalCall, client.settings.SignalQueueLen),
	}
	connection.transfers = newTransferManager(
		connection.tag,
		connection.send,
		client.mirror.speculativePayload,
		client.settings.TransferSettings,
	)
	return connection
}

func (self *clientConnection) send(message protocol.Message) error {
	err := self.queue.AddControl(message)
	if errors.Is(err, ErrBackpressure) {
		glog.Infof("%s control queue full\n", self.tag)
		go self.Close(protocol.CodeBackpressure)
	}
	return err
}

func (self *clientConnection) Close(code protocol.Code) {
	self.closeOnce.Do(func() {
		writeMessage(
			context.Background(),
			self.conn,
			&protocol.Disconnect{Code: code},
			self.client.settings.DisconnectTimeout,
		)
		self.cancel()
		self.conn.Close()
	})
}

func (self *clientConnection) run() error {
	defer func() {
		self.cancel()
		self.transfers.Close()
		self.queue.Close()
	}()

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
	err := group.Wait()
	if err == nil {
		if self.hostErr != nil {
			err = self.hostErr
		} else {
			err = ErrClosed
		}
	}
	return err
}

func (self *clientConnection) write(ctx context.Context) error {
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
			return err
		}
		glog.V(2).Infof("%s-> %s\n", self.tag, message.MessageType())
	}
}

func (self *clientConnection) read(ctx context.Context) error {
	for {
		b, err := self.conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
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

func (self *clientConnection) handle(message protocol.Message) (bool, error) {
	client := self.client
	switch v := message.(type) {
	case *protocol.Update:
		if v.IsDelta() {
			return false, self.applyDeltas(v)
		}
		return false, self.apply(v.Id, v.Version, v.Value)

	case *protocol.Snapshot:
		if err := client.mirror.replace(v); err != nil {
			return false, err
		}
		for _, entry := range client.mirror.entries() {
			client.notifyChange(entry)
		}
		return false, nil

	case *protocol.Reject:
		err := v.Code.Err()
		glog.V(1).Infof("%s[u]%d rejected = %s\n", self.tag, v.Id, err)
		if entry := client.mirror.reject(v.Id); entry != nil {
			client.notifyChange(*entry)
		}
		client.notifyReject(v.Id, err)
		return false, nil

	case *protocol.SignalResult:
		client.completePending(v)
		return false, nil

	case *protocol.SignalInvoke:
		args, err := protocol.DecodeValues(v.Args)
		if err != nil {
			return false, err
		}
		select {
		case self.signals <- signalCall{invoke: v, args: args}:
		default:
			glog.Infof("%s signal queue full, drop %s\n", self.tag, v.Name)
		}
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
		return false, self.apply(transferValue.StateId, transferValue.Version, transferValue.Payload)

	case *protocol.BlockingAck:
		return false, self.transfers.OnAck(v)

	case *protocol.BlockingAbort:
		return false, self.transfers.OnAbort(v)

	case *protocol.Disconnect:
		self.hostErr = disconnectError(v)
		glog.V(1).Infof("%s host disconnect = %s\n", self.tag, self.hostErr)
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s in session", ErrProtocol, message.MessageType())
	}
}

func (self *clientConnection) apply(stateId state.StateId, version uint64, payload []byte) error {
	entry, err := self.client.mirror.applyUpdate(stateId, version, payload)
	if err != nil {
		return err
	}
	if entry != nil {
		self.client.notifyChange(*entry)
	}
	return nil
}

func (self *clientConnection) applyDeltas(update *protocol.Update) error {
	entry, resync, err := self.client.mirror.applyDeltas(update.Id, update.BaseVersion, update.Version, update.Deltas)
	if err != nil {
		return err
	}
	if resync {
		// the host answers a subscribe with the current value
		return self.send(&protocol.Subscribe{Ids: []state.StateId{update.Id}})
	}
	if entry != nil {
		self.client.notifyChange(*entry)
	}
	return nil
}

// host emits run on the local dispatcher
func (self *clientConnection) runSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call := <-self.signals:
			invoke := call.invoke
			_, err := self.client.dispatcher.Invoke(ctx, invoke.Name, call.args)
			if err != nil {
				glog.V(1).Infof("%s emit %s = %s\n", self.tag, invoke.Name, err)
			}
			if invoke.WantResult {
				self.send(&protocol.SignalResult{
					CallId: invoke.CallId,
					Name:   invoke.Name,
					Code:   protocol.CodeOf(err),
				})
			}
		}
	}
}
