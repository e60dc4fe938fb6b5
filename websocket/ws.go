package websocket

import (
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type wsFrame struct {
	data   []byte
	binary bool
}

// Conn is a Socket over a gorilla/websocket connection. Gorilla supplies the
// RFC 6455 opcode framing, ping/pong and close frames; this type adds the
// heartbeat schedule, send-buffer accounting with writeable notifications
// and the close-handshake teardown.
type Conn struct {
	opts    Options
	logger  *logrus.Entry
	handler Handler

	dial func() (*ws.Conn, *http.Response, error)

	mu   sync.Mutex
	conn *ws.Conn

	writeCh       chan wsFrame
	bufferedBytes int64

	lastRecv    atomic.Int64
	closeSent   atomic.Bool
	closeStatus CloseStatus

	die       chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Socket = (*Conn)(nil)

const writeBacklog = 1024

func newConn(opts Options, logger *logrus.Logger) *Conn {
	if logger == nil {
		logger = discardLogger
	}
	return &Conn{
		opts:    sanitizeOptions(opts),
		logger:  logger.WithField("comp", "ws"),
		writeCh: make(chan wsFrame, writeBacklog),
		die:     make(chan struct{}),
	}
}

// NewClient returns an unconnected client socket for the given ws:// or
// wss:// URL. Connect performs the dial and HTTP upgrade.
func NewClient(url string, header http.Header, opts Options, logger *logrus.Logger) *Conn {
	c := newConn(opts, logger)
	c.dial = func() (*ws.Conn, *http.Response, error) {
		dialer := ws.Dialer{
			Subprotocols:     []string{Subprotocol},
			HandshakeTimeout: c.opts.ResponseTimeout,
		}
		return dialer.Dial(url, header)
	}
	return c
}

// Upgrade accepts an incoming HTTP request as a server-side socket. The
// returned Conn still needs a handler and a Connect call to start serving.
func Upgrade(w http.ResponseWriter, r *http.Request, opts Options, logger *logrus.Logger) (*Conn, error) {
	upgrader := ws.Upgrader{
		Subprotocols:    []string{Subprotocol},
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := newConn(opts, logger)
	c.conn = conn
	return c, nil
}

func (c *Conn) SetHandler(h Handler) {
	c.handler = h
}

// Connect dials (client side) and starts the read, write and heartbeat
// routines. OnWebSocketConnect fires before any message is delivered.
func (c *Conn) Connect() error {
	if c.handler == nil {
		return errors.New("websocket: Connect before SetHandler")
	}
	var respHeader http.Header
	if c.dial != nil {
		conn, resp, err := c.dial()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		if resp != nil {
			respHeader = resp.Header
		}
	}
	if c.conn == nil {
		return errors.New("websocket: no underlying connection")
	}
	c.touch()
	c.conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received PONG")
		c.touch()
		return nil
	})
	c.conn.SetPingHandler(nil) // default: echo PONG
	c.handler.OnWebSocketConnect(respHeader)
	c.wg.Add(2)
	go c.readRoutine()
	go c.writeRoutine()
	return nil
}

// Send queues one message. The result is false once the buffered byte count
// crosses the send high-water mark; the caller should pause until
// OnWebSocketWriteable.
func (c *Conn) Send(data []byte, binary bool) bool {
	if c.closeSent.Load() {
		return false
	}
	buffered := atomic.AddInt64(&c.bufferedBytes, int64(len(data)))
	// The caller recycles its frame buffer as soon as Send returns.
	msg := make([]byte, len(data))
	copy(msg, data)
	select {
	case c.writeCh <- wsFrame{msg, binary}:
	case <-c.die:
		atomic.AddInt64(&c.bufferedBytes, -int64(len(data)))
		return false
	}
	return buffered <= int64(c.opts.SendBufferSize)
}

// Close sends a CLOSE frame and waits up to CloseTimeout for the peer's
// echo before tearing the socket down.
func (c *Conn) Close(code int, message string) error {
	if c.closeSent.Swap(true) {
		return nil
	}
	c.mu.Lock()
	c.closeStatus = CloseStatus{Reason: WebSocketClose, Code: code, Message: message}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.teardown(CloseStatus{Reason: WebSocketClose, Code: code, Message: message})
		return nil
	}
	c.logger.Debugf("Requesting close with status=%d message=%q", code, message)
	payload := ws.FormatCloseMessage(code, message)
	err := conn.WriteControl(ws.CloseMessage, payload, time.Now().Add(c.opts.CloseTimeout))
	// The peer's CLOSE echo arrives as an error from the read routine. If it
	// never comes, force the teardown.
	time.AfterFunc(c.opts.CloseTimeout, func() {
		c.teardown(CloseStatus{Reason: WebSocketClose, Code: code, Message: message})
	})
	return err
}

func (c *Conn) touch() {
	c.lastRecv.Store(time.Now().UnixNano())
}

func (c *Conn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastRecv.Load()))
}

func (c *Conn) readRoutine() {
	defer c.wg.Done()
	for {
		deadline := c.opts.HeartbeatInterval + c.opts.ResponseTimeout
		//nolint:errcheck
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(closeStatusFromError(err, c.pickCloseStatus()))
			return
		}
		c.touch()
		switch msgType {
		case ws.BinaryMessage, ws.TextMessage:
			c.handler.OnWebSocketMessage(data, msgType == ws.BinaryMessage)
		}
	}
}

func (c *Conn) writeRoutine() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	high := int64(c.opts.SendBufferSize)
	for {
		select {
		case f := <-c.writeCh:
			msgType := ws.BinaryMessage
			if !f.binary {
				msgType = ws.TextMessage
			}
			if err := c.conn.WriteMessage(msgType, f.data); err != nil {
				c.teardown(CloseStatus{Reason: POSIXError, Message: err.Error()})
				return
			}
			after := atomic.AddInt64(&c.bufferedBytes, -int64(len(f.data)))
			before := after + int64(len(f.data))
			if before > high && after <= high {
				c.handler.OnWebSocketWriteable()
			}
		case <-ticker.C:
			if c.idle() < c.opts.HeartbeatInterval {
				continue
			}
			c.logger.Debug("Sending PING")
			deadline := time.Now().Add(c.opts.ResponseTimeout)
			if err := c.conn.WriteControl(ws.PingMessage, nil, deadline); err != nil {
				c.teardown(CloseStatus{Reason: POSIXError, Message: err.Error()})
				return
			}
		case <-c.die:
			return
		}
	}
}

// pickCloseStatus returns the status recorded by a local Close call, if any.
func (c *Conn) pickCloseStatus() *CloseStatus {
	if !c.closeSent.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.closeStatus
	return &s
}

func closeStatusFromError(err error, local *CloseStatus) CloseStatus {
	var closeErr *ws.CloseError
	if errors.As(err, &closeErr) {
		// Peer's CLOSE frame. If we initiated, report the agreed status.
		if local != nil {
			return *local
		}
		return CloseStatus{
			Reason:  WebSocketClose,
			Code:    closeErr.Code,
			Message: closeErr.Text,
		}
	}
	if os.IsTimeout(err) {
		return CloseStatus{Reason: POSIXError, Message: "heartbeat timeout"}
	}
	if local != nil {
		return *local
	}
	return CloseStatus{Reason: WebSocketClose, Code: CodeAbnormal, Message: err.Error()}
}

func (c *Conn) teardown(status CloseStatus) {
	c.closeOnce.Do(func() {
		close(c.die)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			//nolint:errcheck
			conn.Close()
		}
		if status.IsNormal() {
			c.logger.Debug("Socket disconnected cleanly")
		} else {
			c.logger.Warnf("Unclean socket disconnect: %s", status)
		}
		if c.handler != nil {
			c.handler.OnWebSocketClose(status)
		}
	})
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	l.SetOutput(nopWriter{})
	return l
}()

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
