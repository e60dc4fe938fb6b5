// Package blip implements the BLIP protocol engine: a full-duplex,
// multiplexed request/response messaging layer over a WebSocket-style
// transport. Connections own a serial mailbox; every piece of protocol
// state is touched only from thunks running on it.
package blip

import (
	"errors"
	"fmt"

	"blip-toolkit/frame"
)

// ProgressState tracks an outgoing request through its life.
type ProgressState int

const (
	// ProgressQueued: the request is waiting in the outbox.
	ProgressQueued ProgressState = iota
	// ProgressSending: at least one frame has been sent, more remain.
	ProgressSending
	// ProgressAwaitingReply: fully sent, waiting for the response.
	ProgressAwaitingReply
	// ProgressReceivingReply: the first response frame has arrived.
	ProgressReceivingReply
	// ProgressComplete: delivery (and receipt, unless noreply) finished.
	ProgressComplete
	// ProgressDisconnected: the connection dropped before completion.
	ProgressDisconnected
)

func (s ProgressState) String() string {
	switch s {
	case ProgressQueued:
		return "queued"
	case ProgressSending:
		return "sending"
	case ProgressAwaitingReply:
		return "awaiting reply"
	case ProgressReceivingReply:
		return "receiving reply"
	case ProgressComplete:
		return "complete"
	case ProgressDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Progress is a notification for an outgoing request.
type Progress struct {
	State         ProgressState
	BytesSent     uint64
	BytesReceived uint64
	Reply         *MessageIn
}

type ProgressFunc func(Progress)

// Error is a message-level error carried in an Error-type response.
type Error struct {
	Domain  string
	Code    int
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Domain, e.Code, e.Message)
}

// BLIPErrorDomain is the domain of errors generated by the engine itself.
const BLIPErrorDomain = "BLIP"

// ErrDisconnected resolves pending requests when the connection drops.
var ErrDisconnected = errors.New("blip: connection closed")

// message is the state shared by incoming and outgoing messages.
type message struct {
	flags      frame.Flags
	number     frame.MessageNo
	onProgress ProgressFunc
}

func (m *message) Number() frame.MessageNo {
	return m.number
}

func (m *message) Type() frame.MessageType {
	return m.flags.Type()
}

func (m *message) Urgent() bool {
	return m.flags.Has(frame.Urgent)
}

func (m *message) NoReply() bool {
	return m.flags.Has(frame.NoReply)
}

func (m *message) Compressed() bool {
	return m.flags.Has(frame.Compressed)
}

func (m *message) isAck() bool {
	return m.flags.Type().IsAck()
}

func (m *message) sendProgress(p Progress) {
	if m.onProgress != nil {
		m.onProgress(p)
	}
}
