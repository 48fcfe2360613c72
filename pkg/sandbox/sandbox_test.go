package sandbox

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/contractvm/internal/testwasm"
	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
)

func newEngine(t *testing.T) *WazeroEngine {
	t.Helper()
	ctx := context.Background()
	e, err := NewWazeroEngine(ctx, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func TestCounterTransact(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := types.ContractIDForCode(testwasm.Counter)

	inst, err := e.Instantiate(ctx, id, testwasm.Counter)
	require.NoError(t, err)
	defer inst.Close(ctx)

	mem, ok := inst.Memory()
	require.True(t, ok)
	require.Equal(t, uint32(PageSize), mem.Size())

	binary.LittleEndian.PutUint64(mem.Bytes()[0:], 5)
	require.NoError(t, inst.Call(ctx, abi.ExportTransact, 0))
	require.Equal(t, uint64(105), binary.LittleEndian.Uint64(mem.Bytes()[0:]))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(mem.Bytes()[24:]))
}

func TestInstancesAreIndependent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := types.ContractIDForCode(testwasm.Counter)

	a, err := e.Instantiate(ctx, id, testwasm.Counter)
	require.NoError(t, err)
	b, err := e.Instantiate(ctx, id, testwasm.Counter)
	require.NoError(t, err)

	require.NoError(t, a.Call(ctx, abi.ExportTransact, 0))
	ma, _ := a.Memory()
	mb, _ := b.Memory()
	require.Equal(t, uint64(100), binary.LittleEndian.Uint64(ma.Bytes()))
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(mb.Bytes()))
}

func TestMissingExports(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	inst, err := e.Instantiate(ctx, types.ContractIDForCode(testwasm.NoMemory), testwasm.NoMemory)
	require.NoError(t, err)
	_, ok := inst.Memory()
	require.False(t, ok)

	inst, err = e.Instantiate(ctx, types.ContractIDForCode(testwasm.QueryOnly), testwasm.QueryOnly)
	require.NoError(t, err)
	require.ErrorIs(t, inst.Call(ctx, abi.ExportTransact, 0), ErrExportNotFound)
}

func TestTrapSurfacesAsError(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	inst, err := e.Instantiate(ctx, types.ContractIDForCode(testwasm.Trap), testwasm.Trap)
	require.NoError(t, err)
	require.Error(t, inst.Call(ctx, abi.ExportQuery, 0))
}

type recordingExternals struct {
	id    types.ContractID
	mem   Memory
	calls []abi.HostFunc
	fail  error
}

func (r *recordingExternals) InvokeIndex(_ context.Context, fn abi.HostFunc, args []uint64) (uint64, error) {
	r.calls = append(r.calls, fn)
	if r.fail != nil {
		return 0, r.fail
	}
	if fn == abi.SelfHash {
		copy(r.mem.Bytes()[uint32(args[0]):], r.id[:])
	}
	return 0, nil
}

func TestHostFunctionDispatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := types.ContractIDForCode(testwasm.SelfHash)

	inst, err := e.Instantiate(ctx, id, testwasm.SelfHash)
	require.NoError(t, err)
	mem, ok := inst.Memory()
	require.True(t, ok)

	ext := &recordingExternals{id: id, mem: mem}
	require.NoError(t, inst.Call(WithExternals(ctx, ext), abi.ExportQuery, 0))
	require.Equal(t, []abi.HostFunc{abi.SelfHash}, ext.calls)

	rv, err := abi.DecodeReturnValue(mem.Bytes())
	require.NoError(t, err)
	require.Equal(t, id[:], rv.Bytes())
}

func TestHostErrorCrossesSandbox(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := types.ContractIDForCode(testwasm.SelfHash)
	inst, err := e.Instantiate(ctx, id, testwasm.SelfHash)
	require.NoError(t, err)
	mem, _ := inst.Memory()

	boom := errors.New("boom")
	err = inst.Call(WithExternals(ctx, &recordingExternals{mem: mem, fail: boom}), abi.ExportQuery, 0)
	require.ErrorIs(t, err, boom)

	// Without externals the host function refuses to run.
	err = inst.Call(ctx, abi.ExportQuery, 0)
	require.ErrorIs(t, err, ErrNoExternals)
}

func TestClosedEngine(t *testing.T) {
	ctx := context.Background()
	e, err := NewWazeroEngine(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	_, err = e.Instantiate(ctx, types.ContractIDForCode(testwasm.Counter), testwasm.Counter)
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestLoopStopsAtDeadline(t *testing.T) {
	e := newEngine(t)
	id := types.ContractIDForCode(testwasm.Loop)
	inst, err := e.Instantiate(context.Background(), id, testwasm.Loop)
	require.NoError(t, err)
	defer inst.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = inst.Call(ctx, abi.ExportQuery, 0)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("loop ran for %s after its deadline", elapsed)
	}
}
