// Package codec implements the per-frame payload transforms of the BLIP wire
// format: pass-through or deflate with sync flush, plus the rolling CRC-32
// that trails every non-ack frame.
//
// One Deflater and one Inflater exist per connection direction. The checksum
// runs over the uncompressed payload bytes of every frame in that direction,
// so frames must be encoded and decoded strictly in order.
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Mode selects how payload bytes pass through a codec.
type Mode int

const (
	// Raw copies bytes through untouched.
	Raw Mode = iota
	// SyncFlush runs bytes through deflate, flushing on every call so the
	// output ends at a byte boundary.
	SyncFlush
)

// ChecksumSize is the byte length of the trailing frame checksum.
const ChecksumSize = 4

// Sync flush always ends deflate output with an empty stored block. The
// sender strips these four bytes from each frame and the receiver restores
// them before inflating.
var deflateTrailer = []byte{0x00, 0x00, 0xFF, 0xFF}

// A stored block with the final bit set; appended on the receive side so the
// inflater terminates cleanly at the end of each frame.
var finalBlock = []byte{0x01, 0x00, 0x00, 0xFF, 0xFF}

// DeflateTrailerSize is the length of the stripped sync-flush suffix.
const DeflateTrailerSize = 4

// The inflater keeps this much decoded history as the dictionary for the
// next frame, matching deflate's window size.
const windowSize = 32768

var (
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrUnflushedBytes   = errors.New("codec has unflushed bytes at frame end")
	ErrBadDeflateData   = errors.New("unable to inflate frame payload")
)

// StripTrailer removes the trailing sync-flush marker from a compressed
// frame. The marker must be present; its absence means the deflater and the
// frame writer disagree about flushing.
func StripTrailer(frame []byte) ([]byte, error) {
	if len(frame) < DeflateTrailerSize ||
		!bytes.Equal(frame[len(frame)-DeflateTrailerSize:], deflateTrailer) {
		return nil, fmt.Errorf("compressed frame does not end with sync-flush marker")
	}
	return frame[:len(frame)-DeflateTrailerSize], nil
}

// Deflater encodes the outgoing payload stream of one connection direction.
type Deflater struct {
	fw  *flate.Writer
	buf bytes.Buffer

	crc       uint32
	unflushed int
}

// NewDeflater returns a Deflater compressing at the given flate level.
func NewDeflater(level int) (*Deflater, error) {
	d := &Deflater{}
	fw, err := flate.NewWriter(&d.buf, level)
	if err != nil {
		return nil, err
	}
	d.fw = fw
	return d, nil
}

// Write appends src, transformed per mode, to dst and returns the extended
// slice. The running checksum is updated with the raw (pre-compression)
// bytes in both modes.
func (d *Deflater) Write(dst, src []byte, mode Mode) ([]byte, error) {
	d.crc = crc32.Update(d.crc, crc32.IEEETable, src)
	if mode == Raw {
		return append(dst, src...), nil
	}
	if _, err := d.fw.Write(src); err != nil {
		return dst, err
	}
	d.unflushed += len(src)
	if err := d.fw.Flush(); err != nil {
		return dst, err
	}
	d.unflushed = 0
	dst = append(dst, d.buf.Bytes()...)
	d.buf.Reset()
	return dst, nil
}

// UnflushedBytes reports bytes written to the compressor that have not been
// flushed to output yet. It must be zero when a frame ends.
func (d *Deflater) UnflushedBytes() int {
	return d.unflushed
}

// AppendChecksum appends the running CRC-32 as four big-endian bytes.
func (d *Deflater) AppendChecksum(dst []byte) []byte {
	return binary.BigEndian.AppendUint32(dst, d.crc)
}

// Inflater decodes the incoming payload stream of one connection direction.
//
// Each compressed frame is inflated as a standalone raw-deflate sequence
// preset with the previous output as dictionary, which is equivalent to one
// continuous inflate context across frames.
type Inflater struct {
	fr   io.ReadCloser
	src  bytes.Reader
	dict []byte

	crc uint32
}

func NewInflater() *Inflater {
	z := &Inflater{}
	z.fr = flate.NewReader(&z.src)
	return z
}

// Read appends src, transformed per mode, to dst and returns the extended
// slice. The running checksum is updated with the decoded
// (post-decompression) bytes.
func (z *Inflater) Read(dst, src []byte, mode Mode) ([]byte, error) {
	if mode == Raw {
		z.crc = crc32.Update(z.crc, crc32.IEEETable, src)
		return append(dst, src...), nil
	}

	stream := make([]byte, 0, len(src)+len(deflateTrailer)+len(finalBlock))
	stream = append(stream, src...)
	stream = append(stream, deflateTrailer...)
	stream = append(stream, finalBlock...)
	z.src.Reset(stream)
	if err := z.fr.(flate.Resetter).Reset(&z.src, z.dict); err != nil {
		return dst, fmt.Errorf("%w: %v", ErrBadDeflateData, err)
	}

	mark := len(dst)
	buf := make([]byte, 4096)
	for {
		n, err := z.fr.Read(buf)
		dst = append(dst, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return dst, fmt.Errorf("%w: %v", ErrBadDeflateData, err)
		}
	}

	decoded := dst[mark:]
	z.crc = crc32.Update(z.crc, crc32.IEEETable, decoded)
	z.dict = appendWindow(z.dict, decoded)
	return dst, nil
}

// VerifyChecksum compares the running CRC-32 against the four big-endian
// bytes trailing a frame.
func (z *Inflater) VerifyChecksum(trailer []byte) error {
	if len(trailer) != ChecksumSize {
		return ErrChecksumMismatch
	}
	if binary.BigEndian.Uint32(trailer) != z.crc {
		return ErrChecksumMismatch
	}
	return nil
}

func appendWindow(dict, decoded []byte) []byte {
	dict = append(dict, decoded...)
	if len(dict) > windowSize {
		keep := dict[len(dict)-windowSize:]
		dict = append(dict[:0], keep...)
	}
	return dict
}
