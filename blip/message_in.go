package blip

import (
	"fmt"
	"strconv"
	"sync"

	"blip-toolkit/actor"
	"blip-toolkit/codec"
	"blip-toolkit/frame"
)

type receiveState int

const (
	receiveOther receiveState = iota
	// receiveBeginning: this was the message's first frame.
	receiveBeginning
	// receiveEnd: the message is now complete.
	receiveEnd
)

// MessageIn is an incoming request or response. The multiplexer assembles
// it frame by frame on the connection's mailbox; once complete it is handed
// to the application, which may keep it as long as it likes.
type MessageIn struct {
	message
	conn *Connection

	mu            sync.Mutex
	pending       []byte
	properties    []byte
	propsDecoded  bool
	body          []byte
	gotFirstFrame bool
	complete      bool
	responded     bool
	rawBytesRecvd uint64
	unackedBytes  uint64
	outgoingSize  uint64
	replyProvider *actor.Provider[*MessageIn]
}

func newMessageIn(conn *Connection, flags frame.Flags, number frame.MessageNo,
	onProgress ProgressFunc, outgoingSize uint64) *MessageIn {
	return &MessageIn{
		message: message{
			flags:      flags,
			number:     number,
			onProgress: onProgress,
		},
		conn:         conn,
		outgoingSize: outgoingSize,
	}
}

// receivedFrame feeds one frame's payload (checksum still attached) through
// the shared receive codec and into the message. Runs on the connection's
// mailbox only.
func (m *MessageIn) receivedFrame(z *codec.Inflater, payload []byte, flags frame.Flags) (receiveState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := receiveOther
	if !m.gotFirstFrame {
		m.gotFirstFrame = true
		state = receiveBeginning
	}

	if len(payload) < codec.ChecksumSize {
		return state, fmt.Errorf("message #%d: frame shorter than its checksum", m.number)
	}
	body := payload[:len(payload)-codec.ChecksumSize]
	trailer := payload[len(payload)-codec.ChecksumSize:]

	mode := codec.Raw
	if flags.Has(frame.Compressed) {
		mode = codec.SyncFlush
	}
	var err error
	m.pending, err = z.Read(m.pending, body, mode)
	if err != nil {
		return state, err
	}
	if err := z.VerifyChecksum(trailer); err != nil {
		return state, fmt.Errorf("message #%d: %w", m.number, err)
	}

	moreComing := flags.Has(frame.MoreComing)
	if err := m.splitProperties(moreComing); err != nil {
		return state, err
	}

	m.rawBytesRecvd += uint64(len(payload))
	m.unackedBytes += uint64(len(payload))
	if moreComing {
		if m.conn != nil && m.unackedBytes > uint64(m.conn.cfg.IncomingAckThreshold) {
			m.conn.io.queueAck(m.Type(), m.number, m.rawBytesRecvd)
			m.unackedBytes = 0
		}
	} else {
		m.complete = true
		state = receiveEnd
	}
	return state, nil
}

// splitProperties slices the length-prefixed property block off the front
// of the accumulated bytes; everything after it is body.
func (m *MessageIn) splitProperties(moreComing bool) error {
	if !m.propsDecoded {
		propLen, n, err := frame.ReadUVarInt32(m.pending)
		if err == frame.ErrVarIntTruncated && moreComing {
			return nil // wait for more bytes
		}
		if err != nil {
			return fmt.Errorf("message #%d properties: %w", m.number, err)
		}
		if int(propLen) > len(m.pending)-n {
			if moreComing {
				return nil
			}
			return fmt.Errorf("message #%d: %w: declared %d bytes, have %d",
				m.number, frame.ErrBadProperties, propLen, len(m.pending)-n)
		}
		block := m.pending[n : n+int(propLen)]
		if _, err := frame.DecodeProperties(block); err != nil {
			return fmt.Errorf("message #%d: %w", m.number, err)
		}
		m.properties = append([]byte(nil), block...)
		m.pending = m.pending[n+int(propLen):]
		m.propsDecoded = true
	}
	m.body = append(m.body, m.pending...)
	m.pending = m.pending[:0]
	return nil
}

// setFlags finalizes the flags from the message's first frame. A pending
// response may turn out to be an Error type.
func (m *MessageIn) setFlags(flags frame.Flags) {
	m.flags = flags &^ frame.MoreComing
}

// IsComplete reports whether the final frame has been received.
func (m *MessageIn) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// IsError reports whether this message is an error response.
func (m *MessageIn) IsError() bool {
	return m.Type() == frame.ErrorType
}

// Property returns the value of a property, or "".
func (m *MessageIn) Property(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, _ := frame.PropertyValue(m.properties, key)
	return val
}

// IntProperty returns a property parsed as an integer.
func (m *MessageIn) IntProperty(key string, defaultValue int) int {
	if v, err := strconv.Atoi(m.Property(key)); err == nil {
		return v
	}
	return defaultValue
}

// BoolProperty returns a property parsed as a boolean.
func (m *MessageIn) BoolProperty(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(m.Property(key)); err == nil {
		return v
	}
	return defaultValue
}

// Profile returns the conventional Profile property.
func (m *MessageIn) Profile() string {
	return m.Property(frame.PropertyProfile)
}

// GetError returns the error carried by an Error-type message.
func (m *MessageIn) GetError() Error {
	if !m.IsError() {
		return Error{}
	}
	return Error{
		Domain:  m.Property(frame.PropertyErrorDomain),
		Code:    m.IntProperty(frame.PropertyErrorCode, 0),
		Message: string(m.Body()),
	}
}

// Body returns the message body. Valid once complete.
func (m *MessageIn) Body() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

// ExtractBody returns the body read so far and removes it from the
// message; the next call returns only bytes received since this one.
func (m *MessageIn) ExtractBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	body := m.body
	m.body = nil
	return body
}

// Respond sends the built response. Allowed only on a complete incoming
// request; if the request was sent noreply the call is a no-op.
func (m *MessageIn) Respond(b *MessageBuilder) {
	if !m.prepareRespond() {
		return
	}
	m.conn.io.queueResponse(b, m.number)
}

// RespondWithError sends an error response.
func (m *MessageIn) RespondWithError(err Error) {
	if !m.prepareRespond() {
		return
	}
	m.conn.io.queueResponse(newErrorResponse(err), m.number)
}

// RespondDefault sends an empty default response, unless the request was
// sent noreply.
func (m *MessageIn) RespondDefault() {
	m.Respond(NewResponse())
}

// NotHandled responds with an error saying the request went unhandled.
func (m *MessageIn) NotHandled() {
	m.RespondWithError(Error{Domain: BLIPErrorDomain, Code: 404, Message: "Not Handled"})
}

func (m *MessageIn) prepareRespond() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NoReply() {
		if m.conn != nil {
			m.conn.log.Debugf("Ignoring response to noreply message #%d", m.number)
		}
		return false
	}
	if !m.complete || m.responded || m.conn == nil {
		return false
	}
	m.responded = true
	return true
}

func (m *MessageIn) String() string {
	return fmt.Sprintf("%s #%d", m.flags.Type(), m.number)
}
