package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// Well-known property strings shared by both peers. A token equal to one of
// these is sent as a single byte holding its index plus one; codes stay below
// 0x20 so they can never collide with a printable string.
var abbreviations = []string{
	"Profile",
	"Error-Code",
	"Error-Domain",
	"Content-Type",
	"application/json",
	"application/octet-stream",
	"text/plain; charset=UTF-8",
	"text/xml",
	"BLIP",
	"HTTP",
}

const (
	PropertyProfile     = "Profile"
	PropertyErrorCode   = "Error-Code"
	PropertyErrorDomain = "Error-Domain"
	PropertyContentType = "Content-Type"
)

var (
	ErrBadProperties    = errors.New("malformed property block")
	ErrOddPropertyCount = errors.New("property block has a key without a value")
)

// Properties is an ordered list of key/value string pairs.
type Properties struct {
	kv []string
}

func (p *Properties) Add(key, value string) {
	p.kv = append(p.kv, key, value)
}

// Get returns the value of the first property with the given key.
func (p *Properties) Get(key string) (string, bool) {
	for i := 0; i+1 < len(p.kv); i += 2 {
		if p.kv[i] == key {
			return p.kv[i+1], true
		}
	}
	return "", false
}

func (p *Properties) Len() int {
	return len(p.kv) / 2
}

func appendToken(dst []byte, tok string) []byte {
	for i, abbrev := range abbreviations {
		if tok == abbrev {
			return append(dst, byte(i+1), 0)
		}
	}
	dst = append(dst, tok...)
	return append(dst, 0)
}

// AppendEncoded appends the property block: a varint byte length followed by
// alternating NUL-terminated key and value tokens.
func (p *Properties) AppendEncoded(dst []byte) []byte {
	var block []byte
	for _, tok := range p.kv {
		block = appendToken(block, tok)
	}
	dst = AppendUVarInt(dst, uint64(len(block)))
	return append(dst, block...)
}

// expandToken resolves a one-byte abbreviation code at the start of a token.
func expandToken(tok []byte) (string, error) {
	if len(tok) > 0 && tok[0] < 0x20 {
		idx := int(tok[0]) - 1
		if idx < 0 || idx >= len(abbreviations) {
			return "", fmt.Errorf("%w: unknown abbreviation %#x", ErrBadProperties, tok[0])
		}
		return abbreviations[idx] + string(tok[1:]), nil
	}
	return string(tok), nil
}

// DecodeProperties parses a raw property block (without its varint length
// prefix) into pairs. The block is a sequence of NUL-terminated tokens; even
// tokens are keys, odd tokens are values.
func DecodeProperties(block []byte) (Properties, error) {
	var p Properties
	if len(block) == 0 {
		return p, nil
	}
	if block[len(block)-1] != 0 {
		return p, fmt.Errorf("%w: missing trailing NUL", ErrBadProperties)
	}
	for len(block) > 0 {
		i := bytes.IndexByte(block, 0)
		tok, err := expandToken(block[:i])
		if err != nil {
			return Properties{}, err
		}
		p.kv = append(p.kv, tok)
		block = block[i+1:]
	}
	if len(p.kv)%2 != 0 {
		return Properties{}, ErrOddPropertyCount
	}
	return p, nil
}

// PropertyValue scans a raw property block for a key without decoding the
// whole block.
func PropertyValue(block []byte, key string) (string, bool) {
	for i := 0; len(block) > 0; i++ {
		end := bytes.IndexByte(block, 0)
		if end < 0 {
			return "", false
		}
		tok, err := expandToken(block[:end])
		if err != nil {
			return "", false
		}
		block = block[end+1:]
		if i%2 == 0 {
			if tok != key {
				continue
			}
			end = bytes.IndexByte(block, 0)
			if end < 0 {
				return "", false
			}
			val, err := expandToken(block[:end])
			if err != nil {
				return "", false
			}
			return val, true
		}
	}
	return "", false
}
