package blip

import (
	"fmt"
	"io"

	"blip-toolkit/codec"
	"blip-toolkit/frame"
)

// Pull buffer size for streaming data sources.
const dataBufferSize = 16384

// A frame stops accepting payload once fewer than this many bytes of its
// budget remain.
const frameFillSlack = 1024

// messageOut is an outgoing message owned by the multiplexer. All methods
// run on the connection's mailbox.
type messageOut struct {
	message
	conn     *Connection
	contents outContents

	bytesSent             uint64
	unackedBytes          uint64
	uncompressedBytesSent uint64
}

func newMessageOut(conn *Connection, flags frame.Flags, number frame.MessageNo,
	payload []byte, source io.Reader, onProgress ProgressFunc) *messageOut {
	return &messageOut{
		message: message{
			flags:      flags,
			number:     number,
			onProgress: onProgress,
		},
		conn: conn,
		contents: outContents{
			payload: payload,
			source:  source,
		},
	}
}

// newAckMessage builds the control message acknowledging cumulative receipt
// of byteCount bytes of message number in the given direction.
func newAckMessage(conn *Connection, ackType frame.MessageType,
	number frame.MessageNo, byteCount uint64) *messageOut {
	flags := frame.Flags(ackType) | frame.Urgent | frame.NoReply
	payload := frame.AppendUVarInt(nil, byteCount)
	return newMessageOut(conn, flags, number, payload, nil, nil)
}

// nextFrameToSend appends the next frame's payload (and checksum) to dst
// and returns the flags the frame should carry. dst must be empty with
// capacity of at least maxLen.
func (m *messageOut) nextFrameToSend(z *codec.Deflater, dst []byte, maxLen int) ([]byte, frame.Flags, error) {
	flags := m.flags

	if m.isAck() {
		// Acks have no checksum and bypass the codec.
		data := m.contents.next(maxLen)
		dst = append(dst, data...)
		m.bytesSent += uint64(len(data))
		return dst, flags, nil
	}

	mode := codec.Raw
	if m.flags.Has(frame.Compressed) {
		mode = codec.SyncFlush
	}

	// Reserve room for the checksum at the end.
	budget := maxLen - codec.ChecksumSize
	var err error
	for {
		avail := budget - len(dst)
		if avail < frameFillSlack {
			break
		}
		chunk := m.contents.next(avail)
		if len(chunk) == 0 {
			break
		}
		m.uncompressedBytesSent += uint64(len(chunk))
		dst, err = z.Write(dst, chunk, mode)
		if err != nil {
			return dst, flags, err
		}
	}
	if srcErr := m.contents.sourceErr(); srcErr != nil {
		return dst, flags, fmt.Errorf("message #%d data source: %w", m.number, srcErr)
	}
	if z.UnflushedBytes() > 0 {
		return dst, flags, fmt.Errorf("message #%d: %w", m.number, codec.ErrUnflushedBytes)
	}

	if mode == codec.SyncFlush && len(dst) > 0 {
		// Sync flush always ends the output with 00 00 FF FF. Those bytes
		// are removed here and restored by the receiver before inflating.
		dst, err = codec.StripTrailer(dst)
		if err != nil {
			return dst, flags, err
		}
	}

	dst = z.AppendChecksum(dst)

	frameLen := uint64(len(dst))
	m.bytesSent += frameLen
	m.unackedBytes += frameLen

	var state ProgressState
	switch {
	case m.contents.hasMore():
		flags |= frame.MoreComing
		state = ProgressSending
	case m.Type() != frame.RequestType || m.NoReply():
		state = ProgressComplete
	default:
		state = ProgressAwaitingReply
	}
	m.sendProgress(Progress{State: state, BytesSent: m.uncompressedBytesSent})
	return dst, flags, nil
}

func (m *messageOut) hasMoreToSend() bool {
	return m.contents.hasMore()
}

// receivedAck lowers the unacked window given the peer's cumulative byte
// count. The window never grows from an ack.
func (m *messageOut) receivedAck(byteCount uint64) {
	if byteCount <= m.bytesSent {
		if remaining := m.bytesSent - byteCount; remaining < m.unackedBytes {
			m.unackedBytes = remaining
		}
	}
}

// createResponse returns the placeholder the incoming response will be
// assembled into. Its flags are finalized when the first response frame
// arrives; the type may turn out to be Error.
func (m *messageOut) createResponse() *MessageIn {
	if m.Type() != frame.RequestType || m.NoReply() {
		return nil
	}
	return newMessageIn(m.conn, frame.Flags(frame.ResponseType), m.number,
		m.onProgress, m.uncompressedBytesSent)
}

func (m *messageOut) disconnected() {
	if m.Type() != frame.RequestType || m.NoReply() {
		return
	}
	m.sendProgress(Progress{State: ProgressDisconnected, BytesSent: m.uncompressedBytesSent})
}

func (m *messageOut) String() string {
	return fmt.Sprintf("%s #%d", m.flags.Type(), m.number)
}

// outContents feeds an outgoing message's payload: the materialized buffer
// first, then the pull data source if one is attached.
type outContents struct {
	payload []byte
	pos     int

	source io.Reader
	buf    []byte
	start  int
	end    int

	err error
}

// next returns up to max unsent bytes and advances past them.
func (c *outContents) next(max int) []byte {
	if c.pos < len(c.payload) {
		n := len(c.payload) - c.pos
		if n > max {
			n = max
		}
		chunk := c.payload[c.pos : c.pos+n]
		c.pos += n
		return chunk
	}
	if c.start >= c.end && c.source != nil {
		c.fill()
	}
	if c.start < c.end {
		n := c.end - c.start
		if n > max {
			n = max
		}
		chunk := c.buf[c.start : c.start+n]
		c.start += n
		return chunk
	}
	if c.source == nil {
		// Release the pull buffer once the source is drained.
		c.buf = nil
	}
	return nil
}

func (c *outContents) fill() {
	if c.buf == nil {
		c.buf = make([]byte, dataBufferSize)
	}
	n, err := c.source.Read(c.buf)
	c.start, c.end = 0, n
	if err != nil || n == 0 {
		c.source = nil
		if err != nil && err != io.EOF {
			c.err = err
		}
	}
}

func (c *outContents) hasMore() bool {
	return c.pos < len(c.payload) || c.start < c.end || c.source != nil
}

func (c *outContents) sourceErr() error {
	return c.err
}
