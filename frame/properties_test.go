package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	require := require.New(t)
	var p Properties
	p.Add("Profile", "echo")
	p.Add("Content-Type", "application/json")
	p.Add("X-Custom", "value with spaces")

	encoded := p.AppendEncoded(nil)
	blockLen, n, err := ReadUVarInt32(encoded)
	require.Nil(err)
	require.Equal(len(encoded)-n, int(blockLen))

	decoded, err := DecodeProperties(encoded[n:])
	require.Nil(err)
	require.Equal(3, decoded.Len())

	v, ok := decoded.Get("Profile")
	require.True(ok)
	require.Equal("echo", v)
	v, ok = decoded.Get("Content-Type")
	require.True(ok)
	require.Equal("application/json", v)
	v, ok = decoded.Get("X-Custom")
	require.True(ok)
	require.Equal("value with spaces", v)

	_, ok = decoded.Get("Missing")
	require.False(ok)
}

func TestPropertiesAbbreviation(t *testing.T) {
	require := require.New(t)
	var p Properties
	p.Add("Profile", "echo")

	encoded := p.AppendEncoded(nil)
	// "Profile" and its NUL collapse into two bytes: code + NUL.
	_, n, err := ReadUVarInt32(encoded)
	require.Nil(err)
	block := encoded[n:]
	require.Equal([]byte{0x01, 0x00, 'e', 'c', 'h', 'o', 0x00}, block)
}

func TestPropertiesEmpty(t *testing.T) {
	require := require.New(t)
	var p Properties
	encoded := p.AppendEncoded(nil)
	require.Equal([]byte{0x00}, encoded)

	decoded, err := DecodeProperties(nil)
	require.Nil(err)
	require.Equal(0, decoded.Len())
}

func TestPropertyValueScan(t *testing.T) {
	require := require.New(t)
	var p Properties
	p.Add("Profile", "subChanges")
	p.Add("Error-Domain", "BLIP")
	p.Add("Error-Code", "404")
	encoded := p.AppendEncoded(nil)
	_, n, err := ReadUVarInt32(encoded)
	require.Nil(err)
	block := encoded[n:]

	v, ok := PropertyValue(block, "Error-Domain")
	require.True(ok)
	require.Equal("BLIP", v)
	v, ok = PropertyValue(block, "Error-Code")
	require.True(ok)
	require.Equal("404", v)
	_, ok = PropertyValue(block, "Profile-2")
	require.False(ok)
}

func TestPropertiesMalformed(t *testing.T) {
	require := require.New(t)

	// Missing trailing NUL
	_, err := DecodeProperties([]byte("key"))
	require.ErrorIs(err, ErrBadProperties)

	// Key without value
	_, err = DecodeProperties([]byte("key\x00"))
	require.ErrorIs(err, ErrOddPropertyCount)

	// Unknown abbreviation code
	_, err = DecodeProperties([]byte{0x1F, 0x00, 'v', 0x00})
	require.ErrorIs(err, ErrBadProperties)
}
