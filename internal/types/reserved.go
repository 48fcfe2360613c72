package types

// reservedPrefix namespaces the labels that reserved module ids are derived
// from. No WASM bytecode can start with it, so a reserved id never collides
// with a deployed contract.
const reservedPrefix = "contractvm/native/"

// ReservedID returns the id of the host-implemented module called name.
func ReservedID(name string) ContractID {
	return ContractID(HashBytes([]byte(reservedPrefix + name)))
}

// Reserved module ids.
var (
	// HashModuleID is the native hashing module.
	HashModuleID = ReservedID("hash")
)
