package contract

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/codec"
	"github.com/fortiblox/contractvm/pkg/gas"
)

// minimal module: preamble plus an empty type section.
var minimal = []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00}

func TestBuild(t *testing.T) {
	mc, err := New(minimal).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !bytes.Equal(mc.Bytecode(), minimal) {
		t.Errorf("Bytecode mismatch: got %x", mc.Bytecode())
	}
	if mc.Schedule() != gas.ScheduleVersion {
		t.Errorf("Schedule mismatch: got %d, want %d", mc.Schedule(), gas.ScheduleVersion)
	}
	if mc.ID() != types.ContractIDForCode(minimal) {
		t.Error("ID should be the content hash of the bytecode")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"preamble only", minimal[:8], nil},
		{"empty", nil, ErrInvalidMagic},
		{"elf", []byte{0x7f, 'E', 'L', 'F', 1, 0, 0, 0}, ErrInvalidMagic},
		{"version 2", []byte{0x00, 'a', 's', 'm', 0x02, 0, 0, 0}, ErrUnsupportedVersion},
		{"unknown section", append(append([]byte(nil), minimal[:8]...), 0x20, 0x00), ErrMalformedSection},
		{"overrun", append(append([]byte(nil), minimal[:8]...), 0x01, 0x05, 0x00), ErrMalformedSection},
		{"truncated size", append(append([]byte(nil), minimal[:8]...), 0x01, 0x80), ErrMalformedSection},
		{"too large", make([]byte, MaxCodeSize+1), ErrCodeTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.code)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMeteredContractEncoding(t *testing.T) {
	mc, err := New(minimal).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	data, err := codec.Encode(mc)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := codec.Decode[MeteredContract](data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(back.Bytecode(), mc.Bytecode()) || back.Schedule() != mc.Schedule() {
		t.Errorf("round trip mismatch: got %+v", back)
	}
}
