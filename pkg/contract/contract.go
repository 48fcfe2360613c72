// Package contract implements deploy-time handling of contract bytecode.
//
// A Contract is bytecode as submitted. Build checks that it is a WASM
// binary module with well-formed section framing and records the gas
// schedule it was deployed under, producing a MeteredContract. Nothing is
// compiled here; the sandbox compiles lazily on first call.
package contract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/codec"
	"github.com/fortiblox/contractvm/pkg/gas"
)

// WASM preamble.
var (
	wasmMagic   = []byte{0x00, 'a', 's', 'm'}
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

const (
	preambleSize = 8

	// MaxCodeSize bounds deployed bytecode.
	MaxCodeSize = 4 << 20 // 4 MB

	// Highest known section id (data count).
	maxSectionID = 12
)

var (
	// ErrInvalidMagic is returned when the bytecode is not a WASM module.
	ErrInvalidMagic = errors.New("invalid wasm magic")

	// ErrUnsupportedVersion is returned for a WASM version other than 1.
	ErrUnsupportedVersion = errors.New("unsupported wasm version")

	// ErrCodeTooLarge is returned when bytecode exceeds MaxCodeSize.
	ErrCodeTooLarge = errors.New("contract code too large")

	// ErrMalformedSection is returned when section framing is invalid.
	ErrMalformedSection = errors.New("malformed wasm section")
)

// Contract is raw bytecode submitted for deployment.
type Contract struct {
	code []byte
}

// New wraps bytecode as a Contract.
func New(code []byte) Contract {
	return Contract{code: code}
}

// Bytecode returns the raw bytecode.
func (c Contract) Bytecode() []byte {
	return c.code
}

// Build validates the bytecode and returns it ready for storage.
func (c Contract) Build() (MeteredContract, error) {
	if err := Validate(c.code); err != nil {
		return MeteredContract{}, err
	}
	return MeteredContract{
		code:     append([]byte(nil), c.code...),
		schedule: gas.ScheduleVersion,
	}, nil
}

// Validate checks the WASM preamble, the size bound and section framing.
func Validate(code []byte) error {
	if len(code) > MaxCodeSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), MaxCodeSize)
	}
	if len(code) < preambleSize || !bytes.Equal(code[:4], wasmMagic) {
		return ErrInvalidMagic
	}
	if !bytes.Equal(code[4:8], wasmVersion) {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, binary.LittleEndian.Uint32(code[4:8]))
	}

	off := preambleSize
	for off < len(code) {
		id := code[off]
		if id > maxSectionID {
			return fmt.Errorf("%w: unknown section id %d at offset %d", ErrMalformedSection, id, off)
		}
		off++
		size, n, err := readVarUint32(code[off:])
		if err != nil {
			return fmt.Errorf("%w: section %d size: %v", ErrMalformedSection, id, err)
		}
		off += n
		if uint64(off)+uint64(size) > uint64(len(code)) {
			return fmt.Errorf("%w: section %d overruns module (%d bytes at offset %d)", ErrMalformedSection, id, size, off)
		}
		off += int(size)
	}
	return nil
}

// readVarUint32 decodes an unsigned LEB128 value of at most 5 bytes.
func readVarUint32(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("truncated leb128")
		}
		v |= uint32(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, errors.New("leb128 too long")
}

// MeteredContract is validated bytecode together with the gas schedule
// version it was deployed under.
type MeteredContract struct {
	code     []byte
	schedule uint32
}

// Bytecode returns the stored bytecode.
func (m MeteredContract) Bytecode() []byte {
	return m.code
}

// Schedule returns the gas schedule version recorded at deploy time.
func (m MeteredContract) Schedule() uint32 {
	return m.schedule
}

// Len returns the bytecode length.
func (m MeteredContract) Len() int {
	return len(m.code)
}

// IsEmpty reports whether no code is attached, which is the case for
// storage-only entries created by default-insert.
func (m MeteredContract) IsEmpty() bool {
	return len(m.code) == 0
}

// ID returns the content-derived contract id.
func (m MeteredContract) ID() types.ContractID {
	return types.ContractIDForCode(m.code)
}

// EncodeTo implements codec.Encodable.
func (m MeteredContract) EncodeTo(e *codec.Encoder) error {
	e.PutBytes(m.code)
	e.PutUint32(m.schedule)
	return nil
}

// DecodeFrom implements codec.Decodable.
func (m *MeteredContract) DecodeFrom(d *codec.Decoder) error {
	code, err := d.Bytes()
	if err != nil {
		return err
	}
	schedule, err := d.Uint32()
	if err != nil {
		return err
	}
	m.code = code
	m.schedule = schedule
	return nil
}
