package connect

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

// Conn is a reliable ordered message connection. Each message carries one frame.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, message []byte) error
	Close() error
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	ReadLimit          ByteCount
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		ReadLimit:          mib(4),
	}
}

// websocket binding. zero length binary messages are pings
type websocketConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws      *websocket.Conn
	receive chan []byte

	writeLock sync.Mutex
	readErr   error

	settings *TransportSettings
}

func newWebsocketConn(ctx context.Context, ws *websocket.Conn, settings *TransportSettings) *websocketConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	if 0 < settings.ReadLimit {
		ws.SetReadLimit(settings.ReadLimit)
	}
	conn := &websocketConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		receive:  make(chan []byte, TransportBufferSize),
		settings: settings,
	}
	go conn.read()
	go conn.ping()
	return conn
}

func DialWebsocket(ctx context.Context, url string, requestHeader http.Header, settings *TransportSettings) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, requestHeader)
	if err != nil {
		return nil, err
	}
	return newWebsocketConn(ctx, ws, settings), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func UpgradeWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request, settings *TransportSettings) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketConn(ctx, ws, settings), nil
}

func (self *websocketConn) read() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.V(1).Infof("[tr]<- error = %s\n", err)
			}
			self.readErr = err
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[tr]ping<-\n")
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
				glog.V(2).Infof("[tr]<- %d\n", len(message))
			}
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *websocketConn) ping() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			if err := self.write(make([]byte, 0)); err != nil {
				// note that for websocket a deadline timeout cannot be recovered
				self.cancel()
				return
			}
		}
	}
}

func (self *websocketConn) write(message []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, message)
}

func (self *websocketConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case message, ok := <-self.receive:
		if !ok {
			if self.readErr != nil {
				return nil, self.readErr
			}
			return nil, ErrClosed
		}
		return message, nil
	}
}

func (self *websocketConn) WriteMessage(ctx context.Context, message []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrClosed
	default:
	}
	if err := self.write(message); err != nil {
		glog.V(1).Infof("[ts]-> error = %s\n", err)
		self.cancel()
		return err
	}
	glog.V(2).Infof("[ts]-> %d\n", len(message))
	return nil
}

func (self *websocketConn) Close() error {
	self.cancel()
	self.writeLock.Lock()
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(self.settings.WriteTimeout),
	)
	self.writeLock.Unlock()
	return self.ws.Close()
}

// in memory binding for tests and same process hosts
type pipeConn struct {
	receive <-chan []byte
	send    chan<- []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two connected ends. Closing either end closes both.
func NewPipe() (Conn, Conn) {
	a := make(chan []byte, TransportBufferSize)
	b := make(chan []byte, TransportBufferSize)
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	return &pipeConn{
			receive:   a,
			send:      b,
			done:      done,
			closeOnce: closeOnce,
		}, &pipeConn{
			receive:   b,
			send:      a,
			done:      done,
			closeOnce: closeOnce,
		}
}

func (self *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case message := <-self.receive:
		return message, nil
	case <-self.done:
		// drain what was written before the close
		select {
		case message := <-self.receive:
			return message, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (self *pipeConn) WriteMessage(ctx context.Context, message []byte) error {
	select {
	case <-self.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.done:
		return ErrClosed
	case self.send <- append([]byte(nil), message...):
		return nil
	}
}

func (self *pipeConn) Close() error {
	self.closeOnce.Do(func() {
		close(self.done)
	})
	return nil
}
