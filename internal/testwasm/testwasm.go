// Package testwasm holds small hand-assembled WASM modules used by tests.
package testwasm

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func module(sections ...[]byte) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

var (
	// (i32) -> ()
	typeSection = []byte{0x01, 0x05, 0x01, 0x60, 0x01, 0x7f, 0x00}

	// one page
	memorySection = []byte{0x05, 0x03, 0x01, 0x00, 0x01}

	// "memory", "q" = func 0, "t" = func 1
	exportMemQT = []byte{
		0x07, 0x12, 0x03,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x01, 'q', 0x00, 0x00,
		0x01, 't', 0x00, 0x01,
	}
)

// Counter exports memory, q and t.
//
// q writes an empty return value at the argument offset. t adds 100 to the
// low 64 bits of the balance at the argument offset and writes an empty
// return value right after the 24-byte state image.
var Counter = module(
	typeSection,
	[]byte{0x03, 0x03, 0x02, 0x00, 0x00},
	memorySection,
	exportMemQT,
	[]byte{
		0x0a, 0x23, 0x02,
		// q
		0x09, 0x00,
		0x20, 0x00, // local.get 0
		0x41, 0x00, // i32.const 0
		0x36, 0x02, 0x00, // i32.store
		0x0b,
		// t
		0x17, 0x00,
		0x20, 0x00, // local.get 0
		0x20, 0x00, // local.get 0
		0x29, 0x03, 0x00, // i64.load
		0x42, 0xe4, 0x00, // i64.const 100
		0x7c,             // i64.add
		0x37, 0x03, 0x00, // i64.store
		0x20, 0x00, // local.get 0
		0x41, 0x00, // i32.const 0
		0x36, 0x02, 0x18, // i32.store offset=24
		0x0b,
	},
)

// SelfHash imports env.self_hash. Its q writes the contract's own id at
// offset 4 and a 32-byte return length at offset 0, so the return value
// is the id.
var SelfHash = module(
	typeSection,
	[]byte{
		0x02, 0x11, 0x01,
		0x03, 'e', 'n', 'v',
		0x09, 's', 'e', 'l', 'f', '_', 'h', 'a', 's', 'h',
		0x00, 0x00,
	},
	[]byte{0x03, 0x02, 0x01, 0x00},
	memorySection,
	[]byte{
		0x07, 0x0e, 0x02,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x01, 'q', 0x00, 0x01,
	},
	[]byte{
		0x0a, 0x0f, 0x01,
		0x0d, 0x00,
		0x41, 0x04, // i32.const 4
		0x10, 0x00, // call self_hash
		0x20, 0x00, // local.get 0
		0x41, 0x20, // i32.const 32
		0x36, 0x02, 0x00, // i32.store
		0x0b,
	},
)

// NoMemory exports q but no memory.
var NoMemory = module(
	typeSection,
	[]byte{0x03, 0x02, 0x01, 0x00},
	[]byte{0x07, 0x05, 0x01, 0x01, 'q', 0x00, 0x00},
	[]byte{0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b},
)

// Trap exports memory, q and t; both entry points execute unreachable.
var Trap = module(
	typeSection,
	[]byte{0x03, 0x03, 0x02, 0x00, 0x00},
	memorySection,
	exportMemQT,
	[]byte{
		0x0a, 0x09, 0x02,
		0x03, 0x00, 0x00, 0x0b,
		0x03, 0x00, 0x00, 0x0b,
	},
)

// QueryOnly exports memory and q (from Counter) but no t.
var QueryOnly = module(
	typeSection,
	[]byte{0x03, 0x02, 0x01, 0x00},
	memorySection,
	[]byte{
		0x07, 0x0e, 0x02,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x01, 'q', 0x00, 0x00,
	},
	[]byte{
		0x0a, 0x0b, 0x01,
		0x09, 0x00,
		0x20, 0x00,
		0x41, 0x00,
		0x36, 0x02, 0x00,
		0x0b,
	},
)

// Loop exports memory, q and t; both entry points spin forever without
// calling the host.
var Loop = module(
	typeSection,
	[]byte{0x03, 0x03, 0x02, 0x00, 0x00},
	memorySection,
	exportMemQT,
	[]byte{
		0x0a, 0x11, 0x02,
		// loop br 0 end
		0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
		0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b,
	},
)
