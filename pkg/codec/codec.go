// Package codec implements the byte-exact encoding used for every value that
// crosses the sandbox boundary or is written to the state trie.
//
// Integers are little-endian and fixed width. Variable-length byte strings
// carry a u32 length prefix. Raw copies (Encoder.PutRaw, Sink.Copy) carry no
// prefix at all: the reader is expected to know the length.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Size constants for fixed-width values.
const (
	U32Size  = 4
	U64Size  = 8
	U128Size = 16
	HashSize = 32
)

// MaxBytesLen bounds a single length-prefixed byte string.
const MaxBytesLen = 16 * 1024 * 1024

var (
	// ErrDecode is wrapped by every decoding failure.
	ErrDecode = errors.New("decode error")

	// ErrU128Overflow is returned when a value does not fit in 128 bits.
	ErrU128Overflow = errors.New("value exceeds 128 bits")

	// ErrBufferTooSmall is returned when a Sink runs out of space.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Encodable is implemented by values with a codec encoding.
type Encodable interface {
	EncodeTo(e *Encoder) error
}

// Decodable is implemented by values that can be decoded in place.
type Decodable interface {
	DecodeFrom(d *Decoder) error
}

// Encoder appends encoded values to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given capacity hint.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// PutUint16 appends a little-endian u16.
func (e *Encoder) PutUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

// PutUint32 appends a little-endian u32.
func (e *Encoder) PutUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// PutUint64 appends a little-endian u64.
func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// PutU128 appends v as a 16-byte little-endian integer.
func (e *Encoder) PutU128(v *uint256.Int) error {
	if v == nil {
		v = new(uint256.Int)
	}
	if v.BitLen() > 128 {
		return ErrU128Overflow
	}
	be := v.Bytes32()
	for i := 31; i >= 16; i-- {
		e.buf = append(e.buf, be[i])
	}
	return nil
}

// PutHash appends a 32-byte value without prefix.
func (e *Encoder) PutHash(h [HashSize]byte) {
	e.buf = append(e.buf, h[:]...)
}

// PutBytes appends a u32 length prefix followed by b.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutRaw appends b without a length prefix.
func (e *Encoder) PutRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Encode encodes a single value.
func Encode(v Encodable) ([]byte, error) {
	e := NewEncoder(64)
	if err := v.EncodeTo(e); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Decoder reads encoded values from a buffer. Trailing bytes are left
// unread, which is what reading out of a linear memory requires.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder creates a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Offset returns the number of bytes consumed.
func (d *Decoder) Offset() int {
	return d.off
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.off
}

func (d *Decoder) take(n int, what string) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, fmt.Errorf("%w: %s: need %d bytes at offset %d, have %d",
			ErrDecode, what, n, d.off, d.Remaining())
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.take(1, "u8")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian u16.
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2, "u16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian u32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(U32Size, "u32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian u64.
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.take(U64Size, "u64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// U128 reads a 16-byte little-endian integer.
func (d *Decoder) U128() (*uint256.Int, error) {
	b, err := d.take(U128Size, "u128")
	if err != nil {
		return nil, err
	}
	var be [U128Size]byte
	for i := 0; i < U128Size; i++ {
		be[i] = b[U128Size-1-i]
	}
	return new(uint256.Int).SetBytes(be[:]), nil
}

// Hash reads a 32-byte value.
func (d *Decoder) Hash() ([HashSize]byte, error) {
	var h [HashSize]byte
	b, err := d.take(HashSize, "hash")
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// Bytes reads a u32 length prefix and returns a copy of that many bytes.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxBytesLen {
		return nil, fmt.Errorf("%w: byte string length %d exceeds maximum %d", ErrDecode, n, MaxBytesLen)
	}
	b, err := d.take(int(n), "bytes")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// Raw returns a copy of the next n bytes.
func (d *Decoder) Raw(n int) ([]byte, error) {
	b, err := d.take(n, "raw")
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Decode decodes a T from b.
func Decode[T any, PT interface {
	*T
	Decodable
}](b []byte) (T, error) {
	var v T
	if err := PT(&v).DecodeFrom(NewDecoder(b)); err != nil {
		return v, err
	}
	return v, nil
}

// Sink copies raw bytes into a fixed buffer, front to back.
type Sink struct {
	buf []byte
	off int
}

// NewSink creates a sink writing into buf from offset 0.
func NewSink(buf []byte) *Sink {
	return &Sink{buf: buf}
}

// Copy writes b at the current offset without a length prefix.
func (s *Sink) Copy(b []byte) error {
	if len(s.buf)-s.off < len(b) {
		return fmt.Errorf("%w: need %d bytes at offset %d, capacity %d",
			ErrBufferTooSmall, len(b), s.off, len(s.buf))
	}
	s.off += copy(s.buf[s.off:], b)
	return nil
}

// Offset returns the number of bytes written.
func (s *Sink) Offset() int {
	return s.off
}
