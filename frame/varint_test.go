package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUVarInt(t *testing.T) {
	require := require.New(t)

	// Should be encoded into 1-byte varint
	b := AppendUVarInt(nil, 8)
	require.Len(b, 1)
	v0, n, err := ReadUVarInt(b)
	require.Nil(err)
	require.Equal(1, n)
	require.Equal(uint64(8), v0)

	// Should be encoded into 2-bytes varint
	b = AppendUVarInt(nil, 300)
	require.Len(b, 2)
	v1, n, err := ReadUVarInt(b)
	require.Nil(err)
	require.Equal(2, n)
	require.Equal(uint64(300), v1)

	// Should be encoded into 5-bytes varint
	b = AppendUVarInt(nil, math.MaxUint32)
	require.Len(b, 5)
	v2, n, err := ReadUVarInt(b)
	require.Nil(err)
	require.Equal(5, n)
	require.Equal(uint64(math.MaxUint32), v2)

	// Should be encoded into 10-bytes varint
	b = AppendUVarInt(nil, math.MaxUint64)
	require.Len(b, 10)
	v3, n, err := ReadUVarInt(b)
	require.Nil(err)
	require.Equal(10, n)
	require.Equal(uint64(math.MaxUint64), v3)
}

func TestUVarIntLen(t *testing.T) {
	require := require.New(t)
	for _, v := range []uint64{0, 1, 127, 128, 16383, 16384, math.MaxUint32, math.MaxUint64} {
		require.Equal(len(AppendUVarInt(nil, v)), UVarIntLen(v))
	}
}

func TestUVarIntTruncated(t *testing.T) {
	require := require.New(t)
	b := AppendUVarInt(nil, 300)
	_, _, err := ReadUVarInt(b[:1])
	require.ErrorIs(err, ErrVarIntTruncated)
	_, _, err = ReadUVarInt(nil)
	require.ErrorIs(err, ErrVarIntTruncated)
}

func TestUVarIntTooLong(t *testing.T) {
	require := require.New(t)

	// Eleven continuation groups can never be a legal 64-bit varint.
	long := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, err := ReadUVarInt(long)
	require.ErrorIs(err, ErrVarIntTooLong)

	// Ten groups overflowing 64 bits are rejected as well.
	over := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x02}
	_, _, err = ReadUVarInt(over)
	require.ErrorIs(err, ErrVarIntTooLong)
}

func TestUVarInt32Limits(t *testing.T) {
	require := require.New(t)

	b := AppendUVarInt(nil, math.MaxUint32)
	v, n, err := ReadUVarInt32(b)
	require.Nil(err)
	require.Equal(5, n)
	require.Equal(uint32(math.MaxUint32), v)

	// A five-byte encoding of a value above 32 bits is rejected.
	over := AppendUVarInt(nil, uint64(math.MaxUint32)+1)
	require.Len(over, 5)
	_, _, err = ReadUVarInt32(over)
	require.ErrorIs(err, ErrVarIntTooLong)

	// Six-byte encodings are rejected for 32-bit quantities.
	long := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, err = ReadUVarInt32(long)
	require.ErrorIs(err, ErrVarIntTooLong)
}
