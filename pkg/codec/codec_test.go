package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestEncoderLayout(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint8(0xAA)
	e.PutUint32(0x01020304)
	e.PutUint64(5)
	e.PutBytes([]byte("hi"))
	e.PutRaw([]byte{0xFF})

	want := []byte{
		0xAA,
		0x04, 0x03, 0x02, 0x01,
		0x05, 0, 0, 0, 0, 0, 0, 0,
		0x02, 0, 0, 0, 'h', 'i',
		0xFF,
	}
	if !bytes.Equal(e.Bytes(), want) {
		t.Fatalf("encoding mismatch:\n got %x\nwant %x", e.Bytes(), want)
	}
}

func TestU128(t *testing.T) {
	e := NewEncoder(16)
	v := uint256.NewInt(100)
	require.NoError(t, e.PutU128(v))
	require.Len(t, e.Bytes(), U128Size)
	require.Equal(t, byte(100), e.Bytes()[0])

	got, err := NewDecoder(e.Bytes()).U128()
	require.NoError(t, err)
	require.True(t, got.Eq(v))

	max := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	max.SubUint64(max, 1)
	e = NewEncoder(16)
	require.NoError(t, e.PutU128(max))
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 16), e.Bytes())

	over := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	require.ErrorIs(t, NewEncoder(16).PutU128(over), ErrU128Overflow)
}

func TestDecoderShortInput(t *testing.T) {
	d := NewDecoder([]byte{1, 2, 3})
	_, err := d.Uint32()
	require.ErrorIs(t, err, ErrDecode)
	require.Equal(t, 0, d.Offset())

	d = NewDecoder([]byte{5, 0, 0, 0, 'a'})
	_, err = d.Bytes()
	require.ErrorIs(t, err, ErrDecode)
}

func TestDecoderLeavesTrailingBytes(t *testing.T) {
	d := NewDecoder([]byte{2, 0, 0, 0, 'o', 'k', 0, 0, 0})
	b, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), b)
	require.Equal(t, 6, d.Offset())
	require.Equal(t, 3, d.Remaining())
}

func TestSink(t *testing.T) {
	buf := make([]byte, 6)
	s := NewSink(buf)
	require.NoError(t, s.Copy([]byte{1, 2, 3}))
	require.NoError(t, s.Copy([]byte{4, 5}))
	require.Equal(t, 5, s.Offset())
	require.Equal(t, []byte{1, 2, 3, 4, 5, 0}, buf)

	err := s.Copy([]byte{6, 7})
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	require.Equal(t, 5, s.Offset())
}

type pair struct {
	a uint32
	b []byte
}

func (p *pair) DecodeFrom(d *Decoder) error {
	var err error
	if p.a, err = d.Uint32(); err != nil {
		return err
	}
	p.b, err = d.Bytes()
	return err
}

func TestGenericDecode(t *testing.T) {
	e := NewEncoder(0)
	e.PutUint32(7)
	e.PutBytes([]byte("xyz"))

	p, err := Decode[pair](e.Bytes())
	require.NoError(t, err)
	require.Equal(t, uint32(7), p.a)
	require.Equal(t, []byte("xyz"), p.b)

	_, err = Decode[pair](e.Bytes()[:5])
	require.ErrorIs(t, err, ErrDecode)
}
