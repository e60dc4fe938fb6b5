package blip

import (
	"fmt"
	"net/http"

	"blip-toolkit/actor"
	"blip-toolkit/codec"
	"blip-toolkit/frame"
	"blip-toolkit/util"
	"blip-toolkit/websocket"

	"github.com/sirupsen/logrus"
)

// Room for the frame header word in front of a pooled frame buffer, plus
// slack for deflate overshoot on incompressible data.
const frameOverhead = 64

// blipIO is the frame multiplexer and scheduler. Every field is owned by
// the connection's mailbox; transport callbacks bounce onto it.
type blipIO struct {
	conn    *Connection
	cfg     Config
	log     *logrus.Entry
	mb      *actor.Mailbox
	socket  websocket.Socket
	metrics *Metrics

	// Messages with data still to send, per priority tier.
	urgent []*messageOut
	normal []*messageOut
	// Fully-sent requests awaiting their replies.
	icebox map[frame.MessageNo]*messageOut

	pendingRequests  map[frame.MessageNo]*MessageIn
	pendingResponses map[frame.MessageNo]*MessageIn

	outgoingNumber     frame.MessageNo
	lastIncomingNumber frame.MessageNo

	deflater  *codec.Deflater
	inflater  *codec.Inflater
	framePool *util.BufferPool

	writeable     bool
	sendScheduled bool
	urgentStreak  int
	connected     bool
	failed        bool
	closed        bool
}

var _ websocket.Handler = (*blipIO)(nil)

func newBlipIO(conn *Connection, socket websocket.Socket, cfg Config, mb *actor.Mailbox) (*blipIO, error) {
	deflater, err := codec.NewDeflater(-1) // flate.DefaultCompression
	if err != nil {
		return nil, err
	}
	return &blipIO{
		conn:             conn,
		cfg:              cfg,
		log:              conn.log,
		mb:               mb,
		socket:           socket,
		metrics:          cfg.Metrics,
		icebox:           make(map[frame.MessageNo]*messageOut),
		pendingRequests:  make(map[frame.MessageNo]*MessageIn),
		pendingResponses: make(map[frame.MessageNo]*MessageIn),
		deflater:         deflater,
		inflater:         codec.NewInflater(),
		framePool:        util.NewBufferPool(cfg.FrameSize+frameOverhead, defaultFramePrealloc),
		writeable:        true,
	}, nil
}

// ---- Queueing (called on the mailbox) ----

func (io *blipIO) queueRequest(b *MessageBuilder, provider *actor.Provider[*MessageIn]) {
	if io.closed {
		if provider != nil {
			provider.SetResult(nil, ErrDisconnected)
		}
		return
	}
	io.outgoingNumber++
	number := io.outgoingNumber
	msg := newMessageOut(io.conn, io.outgoingFlags(b), number, b.encodePayload(), b.DataSource, b.OnProgress)
	if provider != nil {
		if reply := msg.createResponse(); reply != nil {
			reply.replyProvider = provider
			io.pendingResponses[number] = reply
		} else {
			provider.SetResult(nil, nil)
		}
	}
	io.metrics.RequestsSent.Inc()
	msg.sendProgress(Progress{State: ProgressQueued})
	io.push(msg, false)
}

func (io *blipIO) queueResponse(b *MessageBuilder, number frame.MessageNo) {
	io.mb.Enqueue("queueResponse", func() {
		if io.closed {
			return
		}
		msg := newMessageOut(io.conn, io.outgoingFlags(b), number, b.encodePayload(), b.DataSource, b.OnProgress)
		io.push(msg, false)
	})
}

// outgoingFlags applies connection-level overrides to a builder's flags.
func (io *blipIO) outgoingFlags(b *MessageBuilder) frame.Flags {
	flags := b.flags()
	if io.cfg.Compression == CompressionNone {
		flags &^= frame.Compressed
	}
	return flags
}

// queueAck puts an ack control message at the head of the urgent tier.
// incomingType is the type of the message being acknowledged.
func (io *blipIO) queueAck(incomingType frame.MessageType, number frame.MessageNo, received uint64) {
	if io.closed {
		return
	}
	ackType := frame.AckRequestType
	if incomingType != frame.RequestType {
		ackType = frame.AckResponseType
	}
	io.log.Debugf("Sending %s #%d (%d bytes)", ackType, number, received)
	io.metrics.AcksSent.Inc()
	io.push(newAckMessage(io.conn, ackType, number, received), true)
}

func (io *blipIO) push(msg *messageOut, front bool) {
	tier := &io.normal
	if msg.Urgent() {
		tier = &io.urgent
	}
	if front {
		*tier = append([]*messageOut{msg}, *tier...)
	} else {
		*tier = append(*tier, msg)
	}
	io.kick()
}

// kick schedules a scheduler tick unless one is already queued. Sending
// one frame per thunk keeps incoming events interleaved with outgoing
// traffic.
func (io *blipIO) kick() {
	if io.sendScheduled || !io.writeable || io.failed || io.closed {
		return
	}
	io.sendScheduled = true
	io.mb.Enqueue("sendNextFrame", io.sendNextFrame)
}

// ---- Send scheduler ----

// pickNext pops the next eligible message: urgent tier first, yielding one
// frame to the normal tier after urgentYieldEvery consecutive urgent
// frames. Messages over the unacked window are skipped until acked.
func (io *blipIO) pickNext() *messageOut {
	fromNormal := len(io.normal) > 0 &&
		(len(io.urgent) == 0 || io.urgentStreak >= urgentYieldEvery)
	if fromNormal {
		if msg := io.popEligible(&io.normal); msg != nil {
			io.urgentStreak = 0
			return msg
		}
	}
	if msg := io.popEligible(&io.urgent); msg != nil {
		io.urgentStreak++
		return msg
	}
	if msg := io.popEligible(&io.normal); msg != nil {
		io.urgentStreak = 0
		return msg
	}
	return nil
}

func (io *blipIO) popEligible(tier *[]*messageOut) *messageOut {
	for i, msg := range *tier {
		if msg.isAck() || msg.unackedBytes < uint64(io.cfg.MaxUnackedBytes) {
			*tier = append((*tier)[:i], (*tier)[i+1:]...)
			return msg
		}
	}
	return nil
}

func (io *blipIO) sendNextFrame() {
	io.sendScheduled = false
	if io.closed || io.failed || !io.writeable {
		return
	}
	msg := io.pickNext()
	if msg == nil {
		return
	}

	buf := io.framePool.Get()
	payload, flags, err := msg.nextFrameToSend(io.deflater, buf[:0], io.cfg.FrameSize)
	if err != nil {
		io.framePool.Put(buf)
		io.fail(websocket.CodeInternalError, err)
		return
	}

	out := io.framePool.Get()
	wire := frame.AppendHeader(out[:0], frame.Header{Number: msg.number, Flags: flags})
	wire = append(wire, payload...)
	io.log.Debugf("Sending frame: %s #%d, Body(Length: %d)", flags, msg.number, len(payload))
	io.writeable = io.socket.Send(wire, true)
	io.metrics.FramesSent.Inc()
	io.metrics.BytesSent.Add(float64(len(wire)))
	io.framePool.Put(buf)
	io.framePool.Put(out)

	switch {
	case msg.hasMoreToSend():
		// Round-robin fairness among concurrent messages.
		io.push(msg, false)
	case msg.Type() == frame.RequestType && !msg.NoReply():
		io.icebox[msg.number] = msg
	}
	if len(io.urgent) > 0 || len(io.normal) > 0 {
		io.kick()
	}
}

// ---- Receive path ----

func (io *blipIO) receivedFrame(data []byte) {
	if io.closed || io.failed {
		return
	}
	io.metrics.FramesReceived.Inc()
	io.metrics.BytesReceived.Add(float64(len(data)))

	hdr, n, err := frame.ReadHeader(data)
	if err != nil {
		io.fail(websocket.CodeProtocolError, err)
		return
	}
	body := data[n:]
	io.log.Debugf("Receiving frame: %s #%d, Body(Length: %d)", hdr.Flags, hdr.Number, len(body))

	if hdr.Flags.Type().IsAck() {
		io.receivedAck(hdr, body)
		return
	}

	msg, err := io.findIncoming(hdr)
	if err != nil {
		io.fail(websocket.CodeProtocolError, err)
		return
	}
	state, err := msg.receivedFrame(io.inflater, body, hdr.Flags)
	if err != nil {
		io.fail(websocket.CodeProtocolError, err)
		return
	}

	isResponse := hdr.Flags.Type() != frame.RequestType
	if isResponse && state == receiveBeginning {
		msg.sendProgress(Progress{
			State:         ProgressReceivingReply,
			BytesSent:     msg.outgoingSize,
			BytesReceived: msg.rawBytesRecvd,
		})
	}
	if state == receiveEnd {
		io.completedIncoming(msg, isResponse)
	}
}

// findIncoming routes a non-ack frame to the message being assembled,
// creating the MessageIn on the first frame of a new incoming request.
func (io *blipIO) findIncoming(hdr frame.Header) (*MessageIn, error) {
	if hdr.Flags.Type() == frame.RequestType {
		if msg, ok := io.pendingRequests[hdr.Number]; ok {
			return msg, nil
		}
		if hdr.Number != io.lastIncomingNumber+1 {
			return nil, fmt.Errorf("request number %d out of sequence (expected %d)",
				hdr.Number, io.lastIncomingNumber+1)
		}
		io.lastIncomingNumber = hdr.Number
		msg := newMessageIn(io.conn, hdr.Flags, hdr.Number, nil, 0)
		io.pendingRequests[hdr.Number] = msg
		return msg, nil
	}
	msg, ok := io.pendingResponses[hdr.Number]
	if !ok {
		return nil, fmt.Errorf("response to unknown request #%d", hdr.Number)
	}
	if !msg.gotFirstFrame {
		// The first frame fixes the real flags; the type may have become
		// Error, and Urgent or Compressed may be set.
		msg.setFlags(hdr.Flags)
	}
	return msg, nil
}

func (io *blipIO) completedIncoming(msg *MessageIn, isResponse bool) {
	if isResponse {
		delete(io.pendingResponses, msg.number)
		delete(io.icebox, msg.number)
		msg.sendProgress(Progress{
			State:         ProgressComplete,
			BytesSent:     msg.outgoingSize,
			BytesReceived: msg.rawBytesRecvd,
			Reply:         msg,
		})
		if msg.replyProvider != nil {
			msg.replyProvider.SetResult(msg, nil)
		}
		io.conn.delegateResponseReceived(msg)
		return
	}
	delete(io.pendingRequests, msg.number)
	io.metrics.RequestsReceived.Inc()
	io.conn.delegateRequestReceived(msg)
}

func (io *blipIO) receivedAck(hdr frame.Header, body []byte) {
	byteCount, _, err := frame.ReadUVarInt(body)
	if err != nil {
		io.fail(websocket.CodeProtocolError, fmt.Errorf("malformed ack body: %w", err))
		return
	}
	wantType := frame.RequestType
	if hdr.Flags.Type() == frame.AckResponseType {
		wantType = frame.ResponseType
	}
	msg := io.findOutgoing(hdr.Number, wantType)
	if msg == nil {
		// The peer acks while frames are in flight; a fully-sent noreply
		// message may already be gone by the time its last ack lands.
		io.log.Debugf("Received ack for unknown %s #%d", wantType, hdr.Number)
		return
	}
	io.metrics.AcksReceived.Inc()
	wasBlocked := msg.unackedBytes >= uint64(io.cfg.MaxUnackedBytes)
	msg.receivedAck(byteCount)
	if wasBlocked && msg.unackedBytes < uint64(io.cfg.MaxUnackedBytes) {
		io.kick()
	}
}

// findOutgoing locates an outgoing message by number and direction. Error
// responses ack as responses.
func (io *blipIO) findOutgoing(number frame.MessageNo, wantType frame.MessageType) *messageOut {
	match := func(m *messageOut) bool {
		if m.number != number {
			return false
		}
		t := m.Type()
		if wantType == frame.ResponseType {
			return t == frame.ResponseType || t == frame.ErrorType
		}
		return t == wantType
	}
	for _, m := range io.urgent {
		if match(m) {
			return m
		}
	}
	for _, m := range io.normal {
		if match(m) {
			return m
		}
	}
	if m, ok := io.icebox[number]; ok && match(m) {
		return m
	}
	return nil
}

// ---- Failure / disconnect ----

// fail closes the connection after a fatal protocol error. The disconnect
// fanout happens when the transport reports the close.
func (io *blipIO) fail(code int, err error) {
	if io.closed || io.failed {
		return
	}
	io.failed = true
	io.log.Errorf("Fatal: %v; closing connection", err)
	io.conn.setState(StateClosing)
	//nolint:errcheck
	io.socket.Close(code, err.Error())
}

// disconnected empties the outbox and icebox, fails every pending message
// and refuses further sends.
func (io *blipIO) disconnected() {
	if io.closed {
		return
	}
	io.closed = true
	for _, msg := range io.urgent {
		msg.disconnected()
	}
	for _, msg := range io.normal {
		msg.disconnected()
	}
	for _, msg := range io.icebox {
		msg.disconnected()
	}
	io.urgent, io.normal = nil, nil
	io.icebox = make(map[frame.MessageNo]*messageOut)
	for _, msg := range io.pendingResponses {
		if msg.replyProvider != nil {
			msg.replyProvider.SetResult(nil, ErrDisconnected)
		}
	}
	io.pendingResponses = make(map[frame.MessageNo]*MessageIn)
	io.pendingRequests = make(map[frame.MessageNo]*MessageIn)
}

// ---- websocket.Handler (transport goroutines; bounce onto the mailbox) ----

func (io *blipIO) OnWebSocketConnect(headers http.Header) {
	io.mb.Enqueue("onConnect", func() {
		io.connected = true
		io.conn.setState(StateConnected)
		io.metrics.OpenConnections.Inc()
		io.conn.delegateConnect(headers)
		io.kick()
	})
}

func (io *blipIO) OnWebSocketMessage(data []byte, binary bool) {
	if !binary {
		io.log.Warn("Ignoring non-binary WebSocket message")
		return
	}
	io.mb.Enqueue("receivedFrame", func() {
		io.receivedFrame(data)
	})
}

func (io *blipIO) OnWebSocketWriteable() {
	io.mb.Enqueue("onWriteable", func() {
		io.writeable = true
		if len(io.urgent) > 0 || len(io.normal) > 0 {
			io.kick()
		}
	})
}

func (io *blipIO) OnWebSocketClose(status websocket.CloseStatus) {
	io.mb.Enqueue("onClose", func() {
		wasOpen := io.connected && !io.closed
		io.disconnected()
		io.conn.setState(StateDisconnected)
		if wasOpen {
			io.metrics.OpenConnections.Dec()
		}
		io.conn.delegateClose(status)
		io.mb.Close()
	})
}
