package blip

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"blip-toolkit/actor"
	"blip-toolkit/frame"
	"blip-toolkit/websocket"

	"github.com/sirupsen/logrus"
)

// State of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Delegate receives connection events. Every callback runs on the
// connection's mailbox, so implementations may touch the connection
// without further synchronization.
type Delegate interface {
	// OnConnect fires once the transport is established.
	OnConnect(c *Connection, headers http.Header)
	// OnRequestReceived delivers a complete incoming request. The handler
	// is expected to call Respond, RespondWithError or NotHandled unless
	// the request is NoReply.
	OnRequestReceived(c *Connection, request *MessageIn)
	// OnResponseReceived delivers a complete response. Rarely needed;
	// responses normally resolve the Async returned by SendRequest.
	OnResponseReceived(c *Connection, response *MessageIn)
	// OnClose fires exactly once when the connection is torn down.
	OnClose(c *Connection, status websocket.CloseStatus)
}

// DefaultDelegate is a no-op Delegate for embedding.
type DefaultDelegate struct{}

func (DefaultDelegate) OnConnect(*Connection, http.Header) {}

func (DefaultDelegate) OnRequestReceived(*Connection, *MessageIn) {}

func (DefaultDelegate) OnResponseReceived(*Connection, *MessageIn) {}

func (DefaultDelegate) OnClose(*Connection, websocket.CloseStatus) {}

var errNotRequest = errors.New("blip: builder does not hold a request")

// Connection is the public face of one BLIP peer endpoint.
type Connection struct {
	cfg    Config
	log    *logrus.Entry
	mb     *actor.Mailbox
	socket websocket.Socket
	io     *blipIO

	mu       sync.Mutex
	delegate Delegate

	state atomic.Int32
}

// NewConnection wraps a transport socket. Call SetDelegate, then Start.
func NewConnection(socket websocket.Socket, cfg Config) (*Connection, error) {
	cfg = sanitizeConfig(cfg)
	c := &Connection{
		cfg:    cfg,
		socket: socket,
	}
	c.log = cfg.Logger.WithField("conn", fmt.Sprintf("%p", c))
	c.mb = actor.NewMailbox("blip", nil, cfg.Logger)
	io, err := newBlipIO(c, socket, cfg, c.mb)
	if err != nil {
		return nil, err
	}
	c.io = io
	c.state.Store(int32(StateConnecting))
	return c, nil
}

func (c *Connection) SetDelegate(d Delegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
}

// Start connects the underlying transport. Events begin arriving on the
// connection's mailbox once the transport reports connect.
func (c *Connection) Start() error {
	c.socket.SetHandler(c.io)
	return c.socket.Connect()
}

// SendRequest queues a request for delivery and returns an Async that
// resolves to the response, or to ErrDisconnected if the connection drops
// first. Requests marked NoReply return a nil Async.
func (c *Connection) SendRequest(b *MessageBuilder) (*actor.Async[*MessageIn], error) {
	if b.msgType != frame.RequestType {
		return nil, errNotRequest
	}
	if c.State() == StateDisconnected {
		return nil, ErrDisconnected
	}
	var provider *actor.Provider[*MessageIn]
	if !b.NoReply {
		provider = actor.NewProvider[*MessageIn]()
	}
	if !c.mb.Enqueue("queueRequest", func() {
		c.io.queueRequest(b, provider)
	}) {
		return nil, ErrDisconnected
	}
	if provider == nil {
		return nil, nil
	}
	return provider.Async(), nil
}

// Close starts a clean close handshake with the given status.
func (c *Connection) Close(code int, message string) error {
	c.setState(StateClosing)
	return c.socket.Close(code, message)
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Config returns the connection's sanitized configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

func (c *Connection) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateDisconnected {
			return // terminal
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *Connection) getDelegate() Delegate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delegate
}

func (c *Connection) delegateConnect(headers http.Header) {
	if d := c.getDelegate(); d != nil {
		d.OnConnect(c, headers)
	}
}

func (c *Connection) delegateRequestReceived(request *MessageIn) {
	if d := c.getDelegate(); d != nil {
		d.OnRequestReceived(c, request)
	}
}

func (c *Connection) delegateResponseReceived(response *MessageIn) {
	if d := c.getDelegate(); d != nil {
		d.OnResponseReceived(c, response)
	}
}

func (c *Connection) delegateClose(status websocket.CloseStatus) {
	if d := c.getDelegate(); d != nil {
		d.OnClose(c, status)
	}
}
