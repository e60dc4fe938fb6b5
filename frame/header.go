package frame

import (
	"errors"
	"fmt"
)

// Flags is the per-frame flag byte carried in the frame header word.
type Flags uint8

const (
	// TypeMask covers the low three bits holding the MessageType.
	TypeMask Flags = 0x07
	// MoreComing is set on every frame of a message except the last.
	MoreComing Flags = 0x08
	// Urgent marks the message for the high-priority send queue.
	Urgent Flags = 0x10
	// NoReply marks a request whose sender does not want a response.
	NoReply Flags = 0x20
	// Compressed marks a frame whose payload is deflate-compressed.
	Compressed Flags = 0x40

	flagsMask Flags = 0x7F
	flagBits        = 7
)

// MessageType is the kind of message a frame belongs to.
type MessageType uint8

const (
	RequestType     MessageType = 0
	ResponseType    MessageType = 1
	ErrorType       MessageType = 2
	AckRequestType  MessageType = 4
	AckResponseType MessageType = 5
)

var messageTypeNames = map[MessageType]string{
	RequestType:     "REQ",
	ResponseType:    "RES",
	ErrorType:       "ERR",
	AckRequestType:  "ACKREQ",
	AckResponseType: "ACKRES",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", uint8(t))
}

// IsAck reports whether the type is one of the two ack control types.
func (t MessageType) IsAck() bool {
	return t == AckRequestType || t == AckResponseType
}

func (f Flags) Type() MessageType {
	return MessageType(f & TypeMask)
}

// WithType replaces the type bits, keeping the rest of the flags.
func (f Flags) WithType(t MessageType) Flags {
	return (f &^ TypeMask) | Flags(t)
}

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

func (f Flags) String() string {
	s := f.Type().String()
	if f.Has(MoreComing) {
		s += "+MORE"
	}
	if f.Has(Urgent) {
		s += "+URG"
	}
	if f.Has(NoReply) {
		s += "+NOREPLY"
	}
	if f.Has(Compressed) {
		s += "+DEFLATE"
	}
	return s
}

// MessageNo identifies a message within one direction of a connection.
// Numbers start at 1 and increase by one per message.
type MessageNo uint64

// Header is the decoded frame header word.
type Header struct {
	Number MessageNo
	Flags  Flags
}

var (
	ErrBadHeader   = errors.New("malformed frame header")
	ErrUnknownType = errors.New("unknown message type")
)

// AppendHeader appends the header word varint. The flags occupy the low
// seven bits and the message number the bits above them.
func AppendHeader(dst []byte, h Header) []byte {
	return AppendUVarInt(dst, uint64(h.Number)<<flagBits|uint64(h.Flags&flagsMask))
}

// ReadHeader decodes the header word at the start of src, returning the
// header and the number of bytes consumed.
func ReadHeader(src []byte) (Header, int, error) {
	word, n, err := ReadUVarInt(src)
	if err != nil {
		return Header{}, 0, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	h := Header{
		Number: MessageNo(word >> flagBits),
		Flags:  Flags(word) & flagsMask,
	}
	if h.Number == 0 {
		return Header{}, 0, fmt.Errorf("%w: message number zero", ErrBadHeader)
	}
	switch h.Flags.Type() {
	case RequestType, ResponseType, ErrorType, AckRequestType, AckResponseType:
	default:
		return Header{}, 0, fmt.Errorf("%w: %d", ErrUnknownType, h.Flags.Type())
	}
	return h, n, nil
}
