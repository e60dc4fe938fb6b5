// Package websocket supplies the byte-stream transport the BLIP engine runs
// on: a Socket with connect / send / close and a Handler receiving connect,
// message, writeable and close events. The real implementation wraps a
// gorilla/websocket connection; Loopback pairs exist for in-process use.
package websocket

import (
	"fmt"
	"net/http"
	"time"
)

// Subprotocol is the WebSocket subprotocol name BLIP peers negotiate.
const Subprotocol = "BLIP_3+CBMobile_2"

// CloseReason classifies where a close status originated.
type CloseReason int

const (
	// WebSocketClose carries an RFC 6455 status code from a close frame.
	WebSocketClose CloseReason = iota
	// POSIXError carries an errno from the underlying socket.
	POSIXError
	// DNSError carries a resolver failure.
	DNSError
	// ProtocolError carries a BLIP or WebSocket framing violation.
	ProtocolError
)

func (r CloseReason) String() string {
	switch r {
	case WebSocketClose:
		return "WebSocket status"
	case POSIXError:
		return "errno"
	case DNSError:
		return "network error"
	case ProtocolError:
		return "protocol error"
	}
	return "unknown"
}

// RFC 6455 close codes used by the engine.
const (
	CodeNormal             = 1000
	CodeGoingAway          = 1001
	CodeProtocolError      = 1002
	CodeUnsupportedData    = 1003
	CodeAbnormal           = 1006
	CodePolicyViolation    = 1008
	CodeMessageTooBig      = 1009
	CodeInternalError      = 1011
	CodeStatusCodeExpected = 1005
)

// CloseStatus describes why a connection closed.
type CloseStatus struct {
	Reason  CloseReason
	Code    int
	Message string
}

func (s CloseStatus) String() string {
	return fmt.Sprintf("%s %d %q", s.Reason, s.Code, s.Message)
}

// IsNormal reports a clean close initiated by either peer.
func (s CloseStatus) IsNormal() bool {
	return s.Reason == WebSocketClose && (s.Code == CodeNormal || s.Code == CodeGoingAway)
}

// Handler receives transport events. All methods may be called from the
// socket's internal goroutines; implementations are expected to bounce onto
// their own mailbox.
type Handler interface {
	// OnWebSocketConnect fires once the connection is established, with any
	// response headers from the HTTP upgrade.
	OnWebSocketConnect(headers http.Header)
	// OnWebSocketMessage delivers one complete WebSocket message.
	OnWebSocketMessage(data []byte, binary bool)
	// OnWebSocketWriteable fires when the send buffer drains back below the
	// high-water mark after Send returned false.
	OnWebSocketWriteable()
	// OnWebSocketClose fires exactly once when the connection is torn down.
	OnWebSocketClose(status CloseStatus)
}

// Socket is the transport contract the BLIP engine is polymorphic over.
type Socket interface {
	// SetHandler must be called before Connect.
	SetHandler(h Handler)
	// Connect establishes the transport and eventually fires
	// OnWebSocketConnect or OnWebSocketClose.
	Connect() error
	// Send queues one WebSocket message. The return value is false when the
	// send buffer has crossed its high-water mark; the caller should stop
	// sending until OnWebSocketWriteable.
	Send(data []byte, binary bool) bool
	// Close starts the close handshake with the given status code.
	Close(code int, message string) error
}

// Options configures transport behavior shared by implementations.
type Options struct {
	// HeartbeatInterval is the idle interval between PINGs.
	HeartbeatInterval time.Duration
	// ResponseTimeout is how long to wait for any traffic after a PING
	// before failing the connection.
	ResponseTimeout time.Duration
	// CloseTimeout bounds the wait for the peer's CLOSE echo.
	CloseTimeout time.Duration
	// SendBufferSize is the high-water mark in bytes above which Send
	// returns false.
	SendBufferSize int
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultResponseTimeout   = 60 * time.Second
	defaultCloseTimeout      = 5 * time.Second
	defaultSendBufferSize    = 32 * 1024
)

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: defaultHeartbeatInterval,
		ResponseTimeout:   defaultResponseTimeout,
		CloseTimeout:      defaultCloseTimeout,
		SendBufferSize:    defaultSendBufferSize,
	}
}

func sanitizeOptions(opts Options) Options {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = def.CloseTimeout
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = def.SendBufferSize
	}
	return opts
}
