// Package abi defines the values exchanged between the host and a contract
// and the Standard ABI: the fixed table of host functions a contract may
// import.
//
// Call payloads (Query, Transaction) are written into linear memory as raw
// bytes. A ReturnValue is read back as a u32 little-endian length followed by
// that many bytes.
package abi

import (
	"github.com/fortiblox/contractvm/pkg/codec"
)

// Well-known export names every contract module must provide.
const (
	ExportMemory   = "memory"
	ExportQuery    = "q"
	ExportTransact = "t"
)

// ArgumentOffset is the fixed linear-memory offset passed to both entry
// points. State and payload are written starting here, and results are read
// back from here.
const ArgumentOffset = 0

// Query is the opaque payload of a read-only invocation.
type Query []byte

// Transaction is the opaque payload of a state-mutating invocation.
type Transaction []byte

// ReturnValue holds the bytes a contract hands back to its caller.
type ReturnValue struct {
	data []byte
}

// NewReturnValue wraps b as a return value.
func NewReturnValue(b []byte) ReturnValue {
	return ReturnValue{data: b}
}

// Bytes returns the returned bytes.
func (r ReturnValue) Bytes() []byte {
	return r.data
}

// Len returns the number of returned bytes.
func (r ReturnValue) Len() int {
	return len(r.data)
}

// IsEmpty reports whether nothing was returned.
func (r ReturnValue) IsEmpty() bool {
	return len(r.data) == 0
}

// EncodeTo implements codec.Encodable.
func (r ReturnValue) EncodeTo(e *codec.Encoder) error {
	e.PutBytes(r.data)
	return nil
}

// DecodeFrom implements codec.Decodable.
func (r *ReturnValue) DecodeFrom(d *codec.Decoder) error {
	b, err := d.Bytes()
	if err != nil {
		return err
	}
	r.data = b
	return nil
}

// Encode returns the wire form of the return value.
func (r ReturnValue) Encode() []byte {
	e := codec.NewEncoder(codec.U32Size + len(r.data))
	e.PutBytes(r.data)
	return e.Bytes()
}

// DecodeReturnValue reads a return value from the start of b.
func DecodeReturnValue(b []byte) (ReturnValue, error) {
	return codec.Decode[ReturnValue](b)
}

// ContractCall is a query payload paired with the Go type its result
// decodes into.
type ContractCall[R any] struct {
	data Query
}

// NewCall creates a typed call from an already-encoded payload.
func NewCall[R any](payload []byte) ContractCall[R] {
	return ContractCall[R]{data: Query(payload)}
}

// NewCallFrom encodes v as the call payload.
func NewCallFrom[R any](v codec.Encodable) (ContractCall[R], error) {
	b, err := codec.Encode(v)
	if err != nil {
		return ContractCall[R]{}, err
	}
	return NewCall[R](b), nil
}

// Data returns the encoded payload.
func (c ContractCall[R]) Data() Query {
	return c.data
}
