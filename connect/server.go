package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"bringyour.com/statesync/protocol"
	"bringyour.com/statesync/state"
)

type ServerSettings struct {
	MinProtocolVersion uint32
	MaxProtocolVersion uint32
	Features           []string
	// when set, clients authenticate with an HS256 token signed with the secret
	AuthSecret []byte
	// a new client disconnects every other client with `CodeReplaced`
	ExclusiveClient bool

	HandshakeTimeout time.Duration
	// best effort write of the disconnect frame
	DisconnectTimeout  time.Duration
	MaxControlQueueLen int
	SignalQueueLen     int
	// inline value bytes per snapshot frame. values past the limit follow as blocking transfers.
	// zero is half the transport read limit
	MaxSnapshotLen ByteCount

	TransportSettings   *TransportSettings
	BroadcasterSettings *BroadcasterSettings
	TransferSettings    *TransferSettings
}

func (self *ServerSettings) snapshotLimit() ByteCount {
	if 0 < self.MaxSnapshotLen {
		return self.MaxSnapshotLen
	}
	if self.TransportSettings != nil && 0 < self.TransportSettings.ReadLimit {
		return self.TransportSettings.ReadLimit / 2
	}
	return 0
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		MinProtocolVersion:  protocol.MinProtocolVersion,
		MaxProtocolVersion:  protocol.ProtocolVersion,
		Features:            []string{},
		HandshakeTimeout:    5 * time.Second,
		DisconnectTimeout:   1 * time.Second,
		MaxControlQueueLen:  1024,
		SignalQueueLen:      64,
		TransportSettings:   DefaultTransportSettings(),
		BroadcasterSettings: DefaultBroadcasterSettings(),
		TransferSettings:    DefaultTransferSettings(),
	}
}

// Server hosts a registry and a dispatcher for any number of client sessions.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry    *state.Registry
	dispatcher  *Dispatcher
	broadcaster *Broadcaster

	stateLock sync.Mutex
	sessions  map[Id]*hostSession

	settings *ServerSettings
}

func NewServerWithDefaults(ctx context.Context, registry *state.Registry, dispatcher *Dispatcher) *Server {
	return NewServer(ctx, registry, dispatcher, DefaultServerSettings())
}

func NewServer(ctx context.Context, registry *state.Registry, dispatcher *Dispatcher, settings *ServerSettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		registry:    registry,
		dispatcher:  dispatcher,
		broadcaster: NewBroadcaster(cancelCtx, registry, settings.BroadcasterSettings),
		sessions:    map[Id]*hostSession{},
		settings:    settings,
	}
}

func (self *Server) Registry() *state.Registry {
	return self.registry
}

func (self *Server) Dispatcher() *Dispatcher {
	return self.dispatcher
}

// ServeHTTP upgrades to a websocket and serves the session until it ends.
func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeWebsocket(self.ctx, w, r, self.settings.TransportSettings)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}
	if err := self.ServeConn(self.ctx, conn); err != nil {
		glog.V(1).Infof("[s]%s session end = %s\n", r.RemoteAddr, err)
	}
}

// ServeConn runs the handshake and then the session. Blocks until the session ends.
// Returns nil when the client disconnects normally.
func (self *Server) ServeConn(ctx context.Context, conn Conn) error {
	defer conn.Close()

	message, err := readMessage(ctx, conn, self.settings.HandshakeTimeout)
	if err != nil {
		if errors.Is(err, state.ErrDecode) {
			self.reject(ctx, conn, protocol.CodeDecode)
		}
		return err
	}
	handshake, ok := message.(*protocol.Handshake)
	if !ok {
		self.reject(ctx, conn, protocol.CodeProtocol)
		return fmt.Errorf("%w: first message is %s", ErrProtocol, message.MessageType())
	}
	schemaHash := self.registry.SchemaHash()
	claims, err := checkHandshake(handshake, schemaHash, self.settings)
	if err != nil {
		glog.Infof("[s]handshake rejected = %s\n", err)
		self.reject(ctx, conn, protocol.CodeOf(err))
		return err
	}

	session := newHostSession(ctx, self, conn, claims)
	defer session.cancel()

	if self.settings.ExclusiveClient {
		for _, other := range self.replaceSessions(session) {
			glog.V(1).Infof("%s replaced by %s\n", other.tag, session.sessionId)
			other.Close(protocol.CodeReplaced)
		}
	} else {
		self.addSession(session)
	}
	defer self.removeSession(session)

	ack := &protocol.HandshakeAck{
		ProtocolVersion: min(handshake.ProtocolVersion, self.settings.MaxProtocolVersion),
		Features:        self.settings.Features,
		SchemaHash:      schemaHash,
		SessionId:       session.sessionId,
	}
	if err := writeMessage(ctx, conn, ack, self.settings.HandshakeTimeout); err != nil {
		session.Close(protocol.CodeNone)
		return err
	}

	return session.run(self.settings.HandshakeTimeout)
}

// reject closes a connection that did not complete the handshake
func (self *Server) reject(ctx context.Context, conn Conn, code protocol.Code) {
	writeMessage(ctx, conn, &protocol.Disconnect{Code: code}, self.settings.DisconnectTimeout)
}

func (self *Server) addSession(session *hostSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sessions[session.sessionId] = session
}

// replaceSessions adds the session and returns the sessions it replaces
func (self *Server) replaceSessions(session *hostSession) []*hostSession {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	replaced := []*hostSession{}
	for _, other := range self.sessions {
		replaced = append(replaced, other)
	}
	self.sessions = map[Id]*hostSession{
		session.sessionId: session,
	}
	return replaced
}

func (self *Server) removeSession(session *hostSession) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.sessions[session.sessionId] == session {
		delete(self.sessions, session.sessionId)
	}
}

func (self *Server) Sessions() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sessionIds := make([]Id, 0, len(self.sessions))
	for sessionId := range self.sessions {
		sessionIds = append(sessionIds, sessionId)
	}
	return sessionIds
}

// Emit invokes a signal on every connected client. No results are collected.
// Returns the number of sessions the signal was queued to.
func (self *Server) Emit(name string, args []state.Value) int {
	self.stateLock.Lock()
	sessions := make([]*hostSession, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.stateLock.Unlock()

	encodedArgs := protocol.EncodeValues(args)
	count := 0
	for _, session := range sessions {
		err := session.send(&protocol.SignalInvoke{
			Name: name,
			Args: encodedArgs,
		})
		if err == nil {
			count += 1
		}
	}
	glog.V(2).Infof("[s]emit %s to %d sessions\n", name, count)
	return count
}

// Close disconnects every session with `CodeShutdown`.
func (self *Server) Close() {
	self.stateLock.Lock()
	sessions := make([]*hostSession, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.Close(protocol.CodeShutdown)
	}
	self.broadcaster.Close()
	self.cancel()
}
