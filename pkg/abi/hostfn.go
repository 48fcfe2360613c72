package abi

import "fmt"

// Namespaces under which the Standard ABI is importable. Both resolve to
// the same table.
var Namespaces = []string{"env", "canon"}

// ValueType is a WASM value type used in host function signatures.
type ValueType byte

// Value types. The byte values match the WASM binary encoding.
const (
	I32 ValueType = 0x7f
	I64 ValueType = 0x7e
)

func (v ValueType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return fmt.Sprintf("ValueType(%#x)", byte(v))
	}
}

// HostFunc is the numeric index of a Standard ABI host function.
type HostFunc uint32

// Standard ABI host functions.
const (
	// Debug logs a UTF-8 message: (ofs, len).
	Debug HostFunc = iota
	// SelfHash writes the executing contract's id: (ofs).
	SelfHash
	// Caller writes the calling contract's id and returns 1, or 0 at the
	// root frame: (ofs) -> i32.
	Caller
	// StorageGet copies a stored value: (key_ofs, val_ofs, val_cap) -> i32.
	// The result is the full value length, or -1 if the key is absent.
	StorageGet
	// StorageSet writes a value; a zero length deletes: (key_ofs, val_ofs, val_len).
	StorageSet
	// QueryCall performs a nested query:
	// (target_ofs, arg_ofs, arg_len, ret_ofs, ret_cap) -> i32.
	QueryCall
	// TransactCall performs a nested transaction:
	// (target_ofs, arg_ofs, arg_len, ret_ofs, ret_cap, state_ofs) -> i32.
	TransactCall
	// GasLeft returns the remaining gas: () -> i64.
	GasLeft
	// Panic aborts the call with a message: (ofs, len).
	Panic

	numHostFuncs
)

// Signature is the parameter and result shape of a host function.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

type hostFuncInfo struct {
	name string
	sig  Signature
}

var hostFuncs = [numHostFuncs]hostFuncInfo{
	Debug:        {"debug", sig(params(I32, I32))},
	SelfHash:     {"self_hash", sig(params(I32))},
	Caller:       {"caller", sig(params(I32), I32)},
	StorageGet:   {"storage_get", sig(params(I32, I32, I32), I32)},
	StorageSet:   {"storage_set", sig(params(I32, I32, I32))},
	QueryCall:    {"query", sig(params(I32, I32, I32, I32, I32), I32)},
	TransactCall: {"transact", sig(params(I32, I32, I32, I32, I32, I32), I32)},
	GasLeft:      {"gas_left", sig(nil, I64)},
	Panic:        {"panic", sig(params(I32, I32))},
}

func params(vs ...ValueType) []ValueType { return vs }

func sig(p []ValueType, results ...ValueType) Signature {
	return Signature{Params: p, Results: results}
}

// Valid reports whether f is a known host function.
func (f HostFunc) Valid() bool {
	return f < numHostFuncs
}

// Name returns the import name of f.
func (f HostFunc) Name() string {
	if !f.Valid() {
		return fmt.Sprintf("HostFunc(%d)", uint32(f))
	}
	return hostFuncs[f].name
}

func (f HostFunc) String() string {
	return f.Name()
}

// Signature returns the parameter and result types of f.
func (f HostFunc) Signature() Signature {
	if !f.Valid() {
		return Signature{}
	}
	return hostFuncs[f].sig
}

// Arity returns the number of parameters f takes.
func (f HostFunc) Arity() int {
	return len(f.Signature().Params)
}

// All returns every Standard ABI host function in index order.
func All() []HostFunc {
	out := make([]HostFunc, numHostFuncs)
	for i := range out {
		out[i] = HostFunc(i)
	}
	return out
}

// Lookup resolves an import name to its host function.
func Lookup(name string) (HostFunc, bool) {
	for i, info := range hostFuncs {
		if info.name == name {
			return HostFunc(i), true
		}
	}
	return 0, false
}
