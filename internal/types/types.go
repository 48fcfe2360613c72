// Package types defines the identity and hash types shared across contractvm.
//
// A ContractID is the blake3 hash of a contract's deployed bytecode, so two
// deployments of byte-identical code always resolve to the same identity.
// Both ContractID and Hash render as base58 in their text form.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	ContractIDSize = 32
	HashSize       = 32
)

var (
	// ErrInvalidContractID is returned when a contract id has invalid length.
	ErrInvalidContractID = errors.New("invalid contract id: must be 32 bytes")

	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")
)

// ContractID identifies a contract by the content hash of its code.
type ContractID [ContractIDSize]byte

// ContractIDFromBase58 parses a base58-encoded contract id.
func ContractIDFromBase58(s string) (ContractID, error) {
	var id ContractID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ContractIDSize {
		return id, ErrInvalidContractID
	}
	copy(id[:], data)
	return id, nil
}

// ContractIDFromBytes creates a ContractID from a byte slice.
func ContractIDFromBytes(b []byte) (ContractID, error) {
	var id ContractID
	if len(b) != ContractIDSize {
		return id, ErrInvalidContractID
	}
	copy(id[:], b)
	return id, nil
}

// ContractIDForCode derives the identity of a contract from its bytecode.
func ContractIDForCode(code []byte) ContractID {
	return ContractID(HashBytes(code))
}

// String returns the base58-encoded representation.
func (id ContractID) String() string {
	return base58.Encode(id[:])
}

// Short returns an abbreviated form for log lines.
func (id ContractID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the id is all zeros.
func (id ContractID) IsZero() bool {
	return id == ContractID{}
}

// Bytes returns the id as a byte slice.
func (id ContractID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ContractID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ContractID) UnmarshalText(text []byte) error {
	parsed, err := ContractIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Hash represents a 32-byte blake3 digest.
type Hash [HashSize]byte

// HashBytes computes the blake3 hash of data.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
