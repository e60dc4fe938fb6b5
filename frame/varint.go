package frame

import (
	"errors"
)

// Longest legal encodings. A 32-bit value fits in five 7-bit groups,
// a 64-bit value in ten.
const (
	maxVarIntLen32 = 5
	maxVarIntLen64 = 10
)

var (
	ErrVarIntTooLong   = errors.New("varint exceeds maximum length")
	ErrVarIntTruncated = errors.New("truncated varint")
)

// AppendUVarInt appends v to dst as an unsigned LEB128 varint:
// little-endian groups of 7 bits with the continuation bit in the MSB.
func AppendUVarInt(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// UVarIntLen returns the encoded size of v in bytes.
func UVarIntLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// ReadUVarInt decodes an unsigned varint from the start of src, returning the
// value and the number of bytes consumed. Encodings longer than ten bytes are
// rejected.
func ReadUVarInt(src []byte) (uint64, int, error) {
	var v uint64
	for i, b := range src {
		if i >= maxVarIntLen64 {
			return 0, 0, ErrVarIntTooLong
		}
		if i == maxVarIntLen64-1 && b > 1 {
			return 0, 0, ErrVarIntTooLong
		}
		v |= uint64(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTruncated
}

// ReadUVarInt32 decodes an unsigned varint that must fit in 32 bits.
// Encodings longer than five bytes are rejected.
func ReadUVarInt32(src []byte) (uint32, int, error) {
	var v uint32
	for i, b := range src {
		if i >= maxVarIntLen32 {
			return 0, 0, ErrVarIntTooLong
		}
		if i == maxVarIntLen32-1 && b > 0x0F {
			return 0, 0, ErrVarIntTooLong
		}
		v |= uint32(b&0x7F) << (7 * i)
		if b < 0x80 {
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTruncated
}
