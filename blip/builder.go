package blip

import (
	"bytes"
	"io"
	"strconv"

	"blip-toolkit/frame"
)

// MessageBuilder assembles an outgoing request or response before it is
// handed to the connection.
type MessageBuilder struct {
	// Urgent places the message in the high-priority send queue.
	Urgent bool
	// NoReply marks a request whose sender does not want a response.
	NoReply bool
	// Compressed enables per-frame deflate for the message payload.
	Compressed bool
	// DataSource, if set, is pulled for additional body bytes after the
	// built-in body has been sent. It is read until io.EOF on the
	// connection's mailbox; a read error is fatal to the connection.
	DataSource io.Reader
	// OnProgress receives delivery state notifications.
	OnProgress ProgressFunc

	properties frame.Properties
	body       bytes.Buffer
	msgType    frame.MessageType
}

// NewRequest returns a builder for a request message.
func NewRequest() *MessageBuilder {
	return &MessageBuilder{msgType: frame.RequestType}
}

// NewResponse returns a builder for a response to an incoming request.
func NewResponse() *MessageBuilder {
	return &MessageBuilder{msgType: frame.ResponseType}
}

func newErrorResponse(err Error) *MessageBuilder {
	b := &MessageBuilder{msgType: frame.ErrorType}
	if err.Domain != "" {
		b.AddProperty(frame.PropertyErrorDomain, err.Domain)
	}
	b.AddProperty(frame.PropertyErrorCode, strconv.Itoa(err.Code))
	b.body.WriteString(err.Message)
	return b
}

// SetProfile sets the conventional Profile property identifying the kind of
// request.
func (b *MessageBuilder) SetProfile(profile string) *MessageBuilder {
	return b.AddProperty(frame.PropertyProfile, profile)
}

// AddProperty appends a key/value property. Properties keep insertion order.
func (b *MessageBuilder) AddProperty(key, value string) *MessageBuilder {
	b.properties.Add(key, value)
	return b
}

// SetBody replaces the message body.
func (b *MessageBuilder) SetBody(body []byte) *MessageBuilder {
	b.body.Reset()
	b.body.Write(body)
	return b
}

// Write appends to the message body, satisfying io.Writer.
func (b *MessageBuilder) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *MessageBuilder) flags() frame.Flags {
	f := frame.Flags(b.msgType)
	if b.Urgent {
		f |= frame.Urgent
	}
	if b.NoReply {
		f |= frame.NoReply
	}
	if b.Compressed {
		f |= frame.Compressed
	}
	return f
}

// encodePayload produces the wire payload: the length-prefixed property
// block followed by the body.
func (b *MessageBuilder) encodePayload() []byte {
	payload := b.properties.AppendEncoded(nil)
	return append(payload, b.body.Bytes()...)
}
