// Package vm implements the call context: the orchestrator that runs one
// root contract invocation and every invocation nested inside it.
//
// A CallContext owns the call stack, the contract store and the gas meter
// for a whole call tree. Query and Transact:
//   - Resolve the target (native module or deployed contract)
//   - Instantiate a fresh sandbox module
//   - Write the state image and payload at linear memory offset 0
//   - Push a frame, invoke the entry export, and read results back
//
// Contracts re-enter the context through host functions (InvokeIndex).
// Nested calls are ordinary recursive Go calls, so frame lifetimes follow
// the Go call stack.
package vm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/codec"
	"github.com/fortiblox/contractvm/pkg/gas"
	"github.com/fortiblox/contractvm/pkg/native"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/state"
)

// DefaultMaxCallDepth bounds the call stack.
const DefaultMaxCallDepth = 64

// DefaultCallTimeout bounds the wall-clock time of a root call.
const DefaultCallTimeout = 10 * time.Second

// Config configures a CallContext.
type Config struct {
	// Engine instantiates contract modules.
	Engine sandbox.Engine

	// Natives holds reserved modules. Nil means none.
	Natives *native.Registry

	// Logger receives contract debug output and call tracing.
	Logger *zap.Logger

	// MaxCallDepth is the maximum number of frames on the stack.
	MaxCallDepth int

	// CallTimeout bounds a root call and everything nested in it. Gas is
	// only charged at host boundaries, so this is what stops a contract
	// that loops without calling out.
	CallTimeout time.Duration
}

// DefaultConfig returns the default configuration with the built-in
// native modules and no engine.
func DefaultConfig() Config {
	return Config{
		Natives:      native.DefaultRegistry(),
		Logger:       zap.NewNop(),
		MaxCallDepth: DefaultMaxCallDepth,
		CallTimeout:  DefaultCallTimeout,
	}
}

// CallContext runs a call tree. It is not safe for concurrent use; every
// nested call runs synchronously on the caller's goroutine.
type CallContext struct {
	store    *state.Store
	meter    *gas.Meter
	engine   sandbox.Engine
	natives  *native.Registry
	log      *zap.Logger
	maxDepth int
	timeout  time.Duration

	stack []StackFrame
}

// NewCallContext creates a call context over store, charging meter.
func NewCallContext(store *state.Store, meter *gas.Meter, cfg Config) *CallContext {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = DefaultMaxCallDepth
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if meter == nil {
		meter = gas.NewUnlimitedMeter()
	}
	return &CallContext{
		store:    store,
		meter:    meter,
		engine:   cfg.Engine,
		natives:  cfg.Natives,
		log:      cfg.Logger,
		maxDepth: cfg.MaxCallDepth,
		timeout:  cfg.CallTimeout,
	}
}

// Store returns the contract store.
func (c *CallContext) Store() *state.Store { return c.store }

// GasMeter returns the shared gas meter.
func (c *CallContext) GasMeter() *gas.Meter { return c.meter }

// Depth returns the number of frames on the stack.
func (c *CallContext) Depth() int { return len(c.stack) }

// Top returns the frame of the contract currently executing.
func (c *CallContext) Top() (*StackFrame, error) {
	if len(c.stack) == 0 {
		return nil, ErrEmptyStack
	}
	return &c.stack[len(c.stack)-1], nil
}

// Callee returns the id of the contract currently executing.
func (c *CallContext) Callee() (types.ContractID, error) {
	top, err := c.Top()
	if err != nil {
		return types.ContractID{}, err
	}
	return top.callee, nil
}

// Caller returns the id of the contract that called the one currently
// executing. It reports false at the root frame.
func (c *CallContext) Caller() (types.ContractID, bool) {
	if len(c.stack) < 2 {
		return types.ContractID{}, false
	}
	return c.stack[len(c.stack)-2].callee, true
}

// Memory runs fn against the current frame's linear memory. fn must not
// retain the slice.
func (c *CallContext) Memory(fn func(mem []byte) error) error {
	top, err := c.Top()
	if err != nil {
		return err
	}
	return fn(top.memory.Bytes())
}

// MemoryMut runs fn against the current frame's linear memory for
// writing. fn must not retain the slice.
func (c *CallContext) MemoryMut(fn func(mem []byte) error) error {
	top, err := c.Top()
	if err != nil {
		return err
	}
	return fn(top.memory.Bytes())
}

func (c *CallContext) push(f StackFrame) {
	c.stack = append(c.stack, f)
}

func (c *CallContext) pop() {
	c.stack[len(c.stack)-1] = StackFrame{}
	c.stack = c.stack[:len(c.stack)-1]
}

func (c *CallContext) inQuery() bool {
	for i := range c.stack {
		if c.stack[i].readOnly {
			return true
		}
	}
	return false
}

// Query invokes target's read-only entry point with q. The store is never
// modified.
func (c *CallContext) Query(ctx context.Context, target types.ContractID, q abi.Query) (abi.ReturnValue, error) {
	if len(c.stack) == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if m, ok := c.natives.Get(target); ok {
		if err := c.meter.Charge(gas.CostNativeCall); err != nil {
			return abi.ReturnValue{}, err
		}
		c.log.Debug("native query", zap.String("module", m.Name()), zap.Int("bytes", len(q)))
		return m.Query(ctx, q, c.meter)
	}

	inst, mem, st, err := c.load(ctx, target)
	if err != nil {
		return abi.ReturnValue{}, err
	}
	defer inst.Close(ctx)

	if err := writeArguments(mem, st.Image(), q); err != nil {
		return abi.ReturnValue{}, err
	}

	c.push(newStackFrame(target, QueryArgument(q), mem, true))
	defer c.pop()
	c.log.Debug("query", zap.String("contract", target.Short()), zap.Int("depth", len(c.stack)))

	if err := c.invoke(ctx, inst, target, abi.ExportQuery); err != nil {
		return abi.ReturnValue{}, err
	}

	var rv abi.ReturnValue
	err = c.Memory(func(b []byte) error {
		var err error
		rv, err = abi.DecodeReturnValue(b)
		return err
	})
	if err != nil {
		return abi.ReturnValue{}, fmt.Errorf("decode return value of %s: %w", target.Short(), err)
	}
	c.stack[len(c.stack)-1].ret = rv
	return rv, nil
}

// Transact invokes target's mutating entry point with tx and commits the
// state it writes back.
//
// The new image and the return value are both decoded before anything is
// stored. After the commit, a nested call returns the refreshed state of
// its caller (which may itself have been changed by re-entry), and a root
// call returns the target's refreshed state.
//
// A root call reverts the store to its entry snapshot if anything in the
// call tree fails.
func (c *CallContext) Transact(ctx context.Context, target types.ContractID, tx abi.Transaction) (_ state.ContractState, _ abi.ReturnValue, err error) {
	if c.natives.Has(target) {
		return state.ContractState{}, abi.ReturnValue{}, fmt.Errorf("%w: %s", ErrNativeTransaction, target.Short())
	}
	if c.inQuery() {
		return state.ContractState{}, abi.ReturnValue{}, ErrMutationInQuery
	}
	if len(c.stack) == 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()

		snap := c.store.Snapshot()
		defer func() {
			if err != nil {
				c.store.Revert(snap)
			}
		}()
	}

	inst, mem, st, err := c.load(ctx, target)
	if err != nil {
		return state.ContractState{}, abi.ReturnValue{}, err
	}
	defer inst.Close(ctx)

	if err := writeArguments(mem, st.Image(), tx); err != nil {
		return state.ContractState{}, abi.ReturnValue{}, err
	}

	c.push(newStackFrame(target, TransactionArgument(tx), mem, false))
	popped := false
	defer func() {
		if !popped {
			c.pop()
		}
	}()
	c.log.Debug("transact", zap.String("contract", target.Short()), zap.Int("depth", len(c.stack)))

	if err := c.invoke(ctx, inst, target, abi.ExportTransact); err != nil {
		return state.ContractState{}, abi.ReturnValue{}, err
	}

	var (
		img state.Image
		rv  abi.ReturnValue
	)
	err = c.Memory(func(b []byte) error {
		d := codec.NewDecoder(b)
		if err := img.DecodeFrom(d); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		if err := rv.DecodeFrom(d); err != nil {
			return fmt.Errorf("decode return value: %w", err)
		}
		return nil
	})
	if err != nil {
		return state.ContractState{}, abi.ReturnValue{}, fmt.Errorf("transact %s: %w", target.Short(), err)
	}
	c.stack[len(c.stack)-1].ret = rv

	if err := c.store.CommitImage(target, img); err != nil {
		return state.ContractState{}, abi.ReturnValue{}, err
	}

	if len(c.stack) > 1 {
		c.pop()
		popped = true
		caller := c.stack[len(c.stack)-1].callee
		st, err := c.mustGet(caller)
		return st, rv, err
	}
	st, err = c.mustGet(target)
	c.pop()
	popped = true
	return st, rv, err
}

func (c *CallContext) mustGet(id types.ContractID) (state.ContractState, error) {
	st, ok, err := c.store.Get(id)
	if err != nil {
		return state.ContractState{}, err
	}
	if !ok {
		return state.ContractState{}, fmt.Errorf("%w: %s", ErrContractNotFound, id)
	}
	return st, nil
}

// load resolves target's state and instantiates its module.
func (c *CallContext) load(ctx context.Context, target types.ContractID) (sandbox.Instance, sandbox.Memory, state.ContractState, error) {
	if len(c.stack) >= c.maxDepth {
		return nil, nil, state.ContractState{}, fmt.Errorf("%w: %d", ErrCallDepthExceeded, c.maxDepth)
	}
	if c.engine == nil {
		return nil, nil, state.ContractState{}, ErrNoEngine
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, state.ContractState{}, fmt.Errorf("%w: %w", sandbox.ErrInterrupted, err)
	}

	st, err := c.mustGet(target)
	if err != nil {
		return nil, nil, state.ContractState{}, err
	}
	code := st.Code()
	if code.IsEmpty() {
		return nil, nil, state.ContractState{}, fmt.Errorf("%w: %s has no code", ErrContractNotFound, target)
	}
	if err := c.meter.ChargeBytes(gas.CostCall, gas.CostPerCodeByte, code.Len()); err != nil {
		return nil, nil, state.ContractState{}, err
	}

	inst, err := c.engine.Instantiate(ctx, target, code.Bytecode())
	if err != nil {
		return nil, nil, state.ContractState{}, &Trap{Contract: target, Err: err}
	}
	mem, ok := inst.Memory()
	if !ok {
		inst.Close(ctx)
		return nil, nil, state.ContractState{}, fmt.Errorf("%w: %s", ErrMemoryNotFound, target.Short())
	}
	return inst, mem, st, nil
}

// writeArguments writes image | payload at the argument offset, growing
// memory when needed.
func writeArguments(mem sandbox.Memory, img state.Image, payload []byte) error {
	need := uint64(abi.ArgumentOffset) + state.ImageSize + uint64(len(payload))
	if size := uint64(mem.Size()); need > size {
		pages := (need - size + sandbox.PageSize - 1) / sandbox.PageSize
		if pages > uint64(^uint32(0)) {
			return ErrMemoryTooSmall
		}
		if _, ok := mem.Grow(uint32(pages)); !ok {
			return fmt.Errorf("%w: need %d bytes, have %d", ErrMemoryTooSmall, need, size)
		}
	}
	sink := codec.NewSink(mem.Bytes()[abi.ArgumentOffset:])
	if err := sink.Copy(img.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryTooSmall, err)
	}
	if err := sink.Copy(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMemoryTooSmall, err)
	}
	return nil
}

func (c *CallContext) invoke(ctx context.Context, inst sandbox.Instance, target types.ContractID, export string) error {
	if err := inst.Call(sandbox.WithExternals(ctx, c), export, abi.ArgumentOffset); err != nil {
		return callError(target, err)
	}
	return nil
}
