package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
)

// Config configures a WazeroEngine.
type Config struct {
	// MemoryLimitPages caps every instance's linear memory.
	MemoryLimitPages uint32

	// CacheSize is the number of compiled modules kept.
	CacheSize int

	// Logger is used for engine lifecycle events.
	Logger *zap.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MemoryLimitPages: 256, // 16 MB
		CacheSize:        128,
		Logger:           zap.NewNop(),
	}
}

// WazeroEngine runs contracts on a wazero runtime. The Standard ABI is
// registered once as host modules "env" and "canon"; contract modules are
// compiled on first use and kept in an LRU cache keyed by contract id.
type WazeroEngine struct {
	runtime  wazero.Runtime
	compiled *lru.Cache[types.ContractID, wazero.CompiledModule]
	log      *zap.Logger
	closed   atomic.Bool
}

// NewWazeroEngine creates an engine and registers the host modules.
func NewWazeroEngine(ctx context.Context, cfg Config) (*WazeroEngine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}

	// Contracts that never return are stopped through their context.
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	log := cfg.Logger.Named("sandbox")
	compiled, err := lru.NewWithEvict[types.ContractID, wazero.CompiledModule](cfg.CacheSize,
		func(id types.ContractID, m wazero.CompiledModule) {
			log.Debug("evicting compiled module", zap.String("contract", id.Short()))
			_ = m.Close(context.Background())
		})
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("create module cache: %w", err)
	}

	for _, ns := range abi.Namespaces {
		if err := registerHostModule(ctx, rt, ns); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("register host module %q: %w", ns, err)
		}
	}

	return &WazeroEngine{
		runtime:  rt,
		compiled: compiled,
		log:      log,
	}, nil
}

func registerHostModule(ctx context.Context, rt wazero.Runtime, ns string) error {
	b := rt.NewHostModuleBuilder(ns)
	for _, fn := range abi.All() {
		sig := fn.Signature()
		b.NewFunctionBuilder().
			WithGoModuleFunction(hostFunc(fn), valueTypes(sig.Params), valueTypes(sig.Results)).
			WithName(fn.Name()).
			Export(fn.Name())
	}
	_, err := b.Instantiate(ctx)
	return err
}

func valueTypes(vs []abi.ValueType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

// hostFunc forwards a call to the Externals attached to the context. An
// error is raised as a panic, which wazero returns from the export call
// wrapped with %w.
func hostFunc(fn abi.HostFunc) api.GoModuleFunc {
	arity := fn.Arity()
	hasResult := len(fn.Signature().Results) > 0
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		ext, ok := ExternalsFrom(ctx)
		if !ok {
			panic(ErrNoExternals)
		}
		args := make([]uint64, arity)
		copy(args, stack)
		res, err := ext.InvokeIndex(ctx, fn, args)
		if err != nil {
			panic(err)
		}
		if hasResult {
			stack[0] = res
		}
	}
}

func (e *WazeroEngine) compile(ctx context.Context, id types.ContractID, code []byte) (wazero.CompiledModule, error) {
	if m, ok := e.compiled.Get(id); ok {
		return m, nil
	}
	m, err := e.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", id.Short(), err)
	}
	e.compiled.Add(id, m)
	e.log.Debug("compiled module", zap.String("contract", id.Short()), zap.Int("bytes", len(code)))
	return m, nil
}

// Instantiate implements Engine.
func (e *WazeroEngine) Instantiate(ctx context.Context, id types.ContractID, code []byte) (Instance, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	compiled, err := e.compile(ctx, id, code)
	if err != nil {
		return nil, err
	}
	// Anonymous so the same contract can be live more than once on a
	// call stack. Start functions are not run.
	mod, err := e.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", id.Short(), err)
	}
	return &wazeroInstance{mod: mod}, nil
}

// Close releases the runtime and every compiled module.
func (e *WazeroEngine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	e.compiled.Purge()
	return e.runtime.Close(ctx)
}

type wazeroInstance struct {
	mod api.Module
}

func (i *wazeroInstance) Memory() (Memory, bool) {
	mem := i.mod.ExportedMemory(abi.ExportMemory)
	if mem == nil {
		return nil, false
	}
	return wazeroMemory{mem}, true
}

func (i *wazeroInstance) Call(ctx context.Context, export string, arg int32) error {
	fn := i.mod.ExportedFunction(export)
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrExportNotFound, export)
	}
	_, err := fn.Call(ctx, api.EncodeI32(arg))
	var exit *sys.ExitError
	if err != nil && ctx.Err() != nil && errors.As(err, &exit) {
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	return err
}

func (i *wazeroInstance) Close(ctx context.Context) error {
	return i.mod.Close(ctx)
}

type wazeroMemory struct {
	mem api.Memory
}

func (m wazeroMemory) Bytes() []byte {
	b, _ := m.mem.Read(0, m.mem.Size())
	return b
}

func (m wazeroMemory) Size() uint32 {
	return m.mem.Size()
}

func (m wazeroMemory) Grow(deltaPages uint32) (uint32, bool) {
	return m.mem.Grow(deltaPages)
}
