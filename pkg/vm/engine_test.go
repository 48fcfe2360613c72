package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/contract"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/state"
)

// Scratch offsets used by test contracts. The argument block at offset 0
// is never larger than a few hundred bytes in these tests.
const (
	scratchTarget = 1024
	scratchArg    = 1088
	scratchRet    = 2048
	scratchKey    = 3072
	scratchVal    = 3136
)

// env is what a fake contract sees while it runs.
type env struct {
	t   *testing.T
	ctx context.Context
	ext sandbox.Externals
	mem *fakeMemory
}

func (e *env) call(fn abi.HostFunc, args ...uint64) (uint64, error) {
	return e.ext.InvokeIndex(e.ctx, fn, args)
}

func (e *env) balance() uint64 {
	return binary.LittleEndian.Uint64(e.mem.buf[0:])
}

func (e *env) setBalance(v uint64) {
	binary.LittleEndian.PutUint64(e.mem.buf[0:], v)
}

// payload returns the bytes following the state image, up to n.
func (e *env) payload(n int) []byte {
	return e.mem.buf[state.ImageSize : state.ImageSize+n]
}

// ret writes a return value at ofs.
func (e *env) ret(ofs int, b []byte) {
	copy(e.mem.buf[ofs:], abi.NewReturnValue(b).Encode())
}

func (e *env) put(ofs int, b []byte) {
	copy(e.mem.buf[ofs:], b)
}

// callContract issues a nested query or transaction to target.
func (e *env) callContract(fn abi.HostFunc, target types.ContractID, arg []byte) ([]byte, error) {
	e.put(scratchTarget, target[:])
	e.put(scratchArg, arg)
	args := []uint64{scratchTarget, scratchArg, uint64(len(arg)), scratchRet, 256}
	if fn == abi.TransactCall {
		args = append(args, 0)
	}
	n, err := e.call(fn, args...)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), e.mem.buf[scratchRet:scratchRet+int(n)]...), nil
}

type fakeContract struct {
	q func(e *env) error
	t func(e *env) error
	// memPages is the memory size; -1 means no memory export.
	memPages int
}

type fakeMemory struct {
	buf []byte
}

func (m *fakeMemory) Bytes() []byte { return m.buf }
func (m *fakeMemory) Size() uint32  { return uint32(len(m.buf)) }
func (m *fakeMemory) Grow(delta uint32) (uint32, bool) {
	prev := uint32(len(m.buf) / sandbox.PageSize)
	if prev+delta > 4 {
		return prev, false
	}
	m.buf = append(m.buf, make([]byte, int(delta)*sandbox.PageSize)...)
	return prev, true
}

type fakeEngine struct {
	t         *testing.T
	contracts map[types.ContractID]*fakeContract
	live      int
	calls     int
}

func newFakeEngine(t *testing.T) *fakeEngine {
	return &fakeEngine{t: t, contracts: make(map[types.ContractID]*fakeContract)}
}

func (f *fakeEngine) Instantiate(_ context.Context, id types.ContractID, _ []byte) (sandbox.Instance, error) {
	fc, ok := f.contracts[id]
	if !ok {
		return nil, fmt.Errorf("no fake contract %s", id.Short())
	}
	f.live++
	inst := &fakeInstance{engine: f, contract: fc}
	if fc.memPages >= 0 {
		pages := fc.memPages
		if pages == 0 {
			pages = 1
		}
		inst.mem = &fakeMemory{buf: make([]byte, pages*sandbox.PageSize)}
	}
	return inst, nil
}

func (f *fakeEngine) Close(context.Context) error { return nil }

type fakeInstance struct {
	engine   *fakeEngine
	contract *fakeContract
	mem      *fakeMemory
}

func (i *fakeInstance) Memory() (sandbox.Memory, bool) {
	if i.mem == nil {
		return nil, false
	}
	return i.mem, true
}

// Call mimics the real sandbox: errors returned by the contract body come
// back wrapped, the way a recovered host panic does.
func (i *fakeInstance) Call(ctx context.Context, export string, _ int32) error {
	i.engine.calls++
	var body func(*env) error
	switch export {
	case abi.ExportQuery:
		body = i.contract.q
	case abi.ExportTransact:
		body = i.contract.t
	}
	if body == nil {
		return fmt.Errorf("%w: %q", sandbox.ErrExportNotFound, export)
	}
	ext, ok := sandbox.ExternalsFrom(ctx)
	if !ok {
		return sandbox.ErrNoExternals
	}
	if err := body(&env{t: i.engine.t, ctx: ctx, ext: ext, mem: i.mem}); err != nil {
		// A body giving up on its own context is what an interrupted
		// module looks like.
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return fmt.Errorf("%w: %w", sandbox.ErrInterrupted, ctxErr)
		}
		return fmt.Errorf("wasm error: %w", err)
	}
	return nil
}

func (i *fakeInstance) Close(context.Context) error {
	i.engine.live--
	return nil
}

// errUnreachable stands in for a WASM trap raised by the contract itself.
var errUnreachable = errors.New("unreachable")

type harness struct {
	t      *testing.T
	store  *state.Store
	engine *fakeEngine
	next   byte
}

func newHarness(t *testing.T, store *state.Store) *harness {
	return &harness{t: t, store: store, engine: newFakeEngine(t)}
}

// deploy stores unique bytecode for fc and returns its id.
func (h *harness) deploy(fc *fakeContract) types.ContractID {
	h.t.Helper()
	h.next++
	code := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, h.next}
	mc, err := contract.New(code).Build()
	require.NoError(h.t, err)
	id := mc.ID()
	require.NoError(h.t, h.store.Put(id, h.store.NewState(mc)))
	h.engine.contracts[id] = fc
	return id
}

func (h *harness) config() Config {
	cfg := DefaultConfig()
	cfg.Engine = h.engine
	return cfg
}

func (h *harness) balance(id types.ContractID) uint64 {
	h.t.Helper()
	st, ok, err := h.store.Get(id)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return st.Balance().Uint64()
}

// counter adds the little-endian u64 payload to its balance on t and
// returns its balance on q.
func counter() *fakeContract {
	return &fakeContract{
		q: func(e *env) error {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], e.balance())
			e.ret(0, b[:])
			return nil
		},
		t: func(e *env) error {
			delta := binary.LittleEndian.Uint64(e.payload(8))
			e.setBalance(e.balance() + delta)
			e.ret(state.ImageSize, nil)
			return nil
		},
	}
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
