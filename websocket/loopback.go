package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// LoopbackSocket is an in-memory Socket wired to a peer instance. Messages
// sent on one side surface as OnWebSocketMessage on the other, optionally
// after a simulated latency. Backpressure mirrors the real transport: sent
// bytes stay buffered until the peer has consumed them, and draining back
// under the high-water mark fires OnWebSocketWriteable.
type LoopbackSocket struct {
	name    string
	latency time.Duration
	high    int64
	logger  *logrus.Entry

	handler Handler
	peer    *LoopbackSocket

	inbox         chan func()
	bufferedBytes int64
	connected     atomic.Bool
	closed        atomic.Bool

	die       chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Socket = (*LoopbackSocket)(nil)

const loopbackBacklog = 1024

// LoopbackPair returns two bound loopback sockets. Handlers must be set on
// both sides before either Connect is called.
func LoopbackPair(latency time.Duration, logger *logrus.Logger) (*LoopbackSocket, *LoopbackSocket) {
	if logger == nil {
		logger = discardLogger
	}
	a := newLoopbackSocket("loopback-a", latency, logger)
	b := newLoopbackSocket("loopback-b", latency, logger)
	a.peer, b.peer = b, a
	return a, b
}

func newLoopbackSocket(name string, latency time.Duration, logger *logrus.Logger) *LoopbackSocket {
	s := &LoopbackSocket{
		name:    name,
		latency: latency,
		high:    defaultSendBufferSize,
		logger:  logger.WithField("comp", name),
		inbox:   make(chan func(), loopbackBacklog),
		die:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.deliverRoutine()
	return s
}

func (s *LoopbackSocket) SetHandler(h Handler) {
	s.handler = h
}

func (s *LoopbackSocket) Connect() error {
	if s.handler == nil {
		return errors.New("websocket: Connect before SetHandler")
	}
	if s.peer == nil {
		return errors.New("websocket: loopback socket has no peer")
	}
	s.connected.Store(true)
	s.dispatch(func() {
		s.handler.OnWebSocketConnect(nil)
	})
	return nil
}

func (s *LoopbackSocket) Send(data []byte, binary bool) bool {
	if s.closed.Load() {
		return false
	}
	size := int64(len(data))
	buffered := atomic.AddInt64(&s.bufferedBytes, size)
	msg := make([]byte, len(data))
	copy(msg, data)
	peer := s.peer
	peer.dispatch(func() {
		if peer.latency > 0 {
			time.Sleep(peer.latency)
		}
		if peer.handler != nil {
			peer.handler.OnWebSocketMessage(msg, binary)
		}
		s.ack(size)
	})
	return buffered <= s.high
}

// ack releases bytes the peer has consumed, firing a writeable event when
// the buffer drains back under the high-water mark.
func (s *LoopbackSocket) ack(size int64) {
	s.dispatch(func() {
		after := atomic.AddInt64(&s.bufferedBytes, -size)
		if after <= s.high && after+size > s.high && !s.closed.Load() {
			s.logger.Debug("WRITEABLE")
			s.handler.OnWebSocketWriteable()
		}
	})
}

func (s *LoopbackSocket) Close(code int, message string) error {
	status := CloseStatus{Reason: WebSocketClose, Code: code, Message: message}
	peer := s.peer
	if peer != nil {
		peer.closeWithStatus(status)
	}
	s.closeWithStatus(status)
	return nil
}

// CloseAbruptly simulates the underlying socket dropping without a close
// handshake, as a peer crash would.
func (s *LoopbackSocket) CloseAbruptly() {
	status := CloseStatus{Reason: WebSocketClose, Code: CodeAbnormal, Message: "peer went away"}
	peer := s.peer
	if peer != nil {
		peer.closeWithStatus(status)
	}
	s.closeWithStatus(status)
}

func (s *LoopbackSocket) closeWithStatus(status CloseStatus) {
	if s.closed.Swap(true) {
		return
	}
	s.dispatch(func() {
		if s.handler != nil {
			s.handler.OnWebSocketClose(status)
		}
	})
	s.closeOnce.Do(func() {
		close(s.die)
	})
}

func (s *LoopbackSocket) dispatch(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.die:
	}
}

func (s *LoopbackSocket) deliverRoutine() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.die:
			// Drain remaining events (the close notification is queued).
			for {
				select {
				case fn := <-s.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}
