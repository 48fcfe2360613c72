// Package network provides NetworkState, the entry point for running
// contracts against persistent state.
//
// NetworkState owns the contract store and hands out a transient
// vm.CallContext for every root query or transaction. Calls are
// serialized: only one call tree touches the store at a time.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/codec"
	"github.com/fortiblox/contractvm/pkg/contract"
	"github.com/fortiblox/contractvm/pkg/gas"
	"github.com/fortiblox/contractvm/pkg/native"
	"github.com/fortiblox/contractvm/pkg/sandbox"
	"github.com/fortiblox/contractvm/pkg/state"
	"github.com/fortiblox/contractvm/pkg/trie"
	"github.com/fortiblox/contractvm/pkg/vm"
)

// Network state errors.
var (
	ErrClosed        = errors.New("network state closed")
	ErrNoHead        = errors.New("node store does not track a head root")
	ErrConfigInvalid = errors.New("invalid network configuration")
)

// ReturnDecodeError reports a call that succeeded but whose return value
// could not be decoded into the requested type.
type ReturnDecodeError struct {
	Contract types.ContractID
	Err      error
}

func (e *ReturnDecodeError) Error() string {
	return fmt.Sprintf("decode return value of %s: %v", e.Contract.Short(), e.Err)
}

func (e *ReturnDecodeError) Unwrap() error {
	return e.Err
}

// Config holds NetworkState configuration.
type Config struct {
	// Engine runs contract bytecode. Required for calls into deployed
	// contracts; native modules work without it.
	Engine sandbox.Engine

	// Natives holds the reserved modules. Defaults to native.DefaultRegistry.
	Natives *native.Registry

	// Logger is used for deploys and call tracing.
	Logger *zap.Logger

	// MaxCallDepth bounds nested calls.
	MaxCallDepth int

	// GasLimit is the budget of a root call made without an explicit meter.
	GasLimit uint64

	// CallTimeout bounds the wall-clock time of a root call.
	CallTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Natives:      native.DefaultRegistry(),
		Logger:       zap.NewNop(),
		MaxCallDepth: vm.DefaultMaxCallDepth,
		GasLimit:     gas.LimitDefault,
		CallTimeout:  vm.DefaultCallTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxCallDepth < 0 {
		return fmt.Errorf("%w: negative call depth", ErrConfigInvalid)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: negative call timeout", ErrConfigInvalid)
	}
	return nil
}

// NetworkState is the set of deployed contracts and their state.
type NetworkState struct {
	mu     sync.Mutex
	nodes  trie.NodeStore
	store  *state.Store
	cfg    Config
	log    *zap.Logger
	closed bool
}

// New creates an empty network state over nodes.
func New(nodes trie.NodeStore, cfg Config) (*NetworkState, error) {
	return open(nodes, trie.EmptyRoot, cfg)
}

// Open opens the network state at the head root recorded in nodes. A
// store without a recorded head opens empty.
func Open(nodes trie.NodeStore, cfg Config) (*NetworkState, error) {
	hs, ok := nodes.(trie.HeadStore)
	if !ok {
		return nil, ErrNoHead
	}
	root, err := hs.Head()
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	return open(nodes, root, cfg)
}

// OpenAt opens the network state at a specific root.
func OpenAt(nodes trie.NodeStore, root types.Hash, cfg Config) (*NetworkState, error) {
	return open(nodes, root, cfg)
}

func open(nodes trie.NodeStore, root types.Hash, cfg Config) (*NetworkState, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Natives == nil {
		cfg.Natives = native.DefaultRegistry()
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = gas.LimitDefault
	}
	store, err := state.OpenStore(nodes, root)
	if err != nil {
		return nil, err
	}
	return &NetworkState{
		nodes: nodes,
		store: store,
		cfg:   cfg,
		log:   cfg.Logger,
	}, nil
}

// Deploy builds c and inserts a fresh zero state for it. Deploying the
// same bytecode twice returns the same id and leaves the existing state
// untouched.
func (n *NetworkState) Deploy(c contract.Contract) (types.ContractID, error) {
	mc, err := c.Build()
	if err != nil {
		return types.ContractID{}, fmt.Errorf("build contract: %w", err)
	}
	id := mc.ID()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return types.ContractID{}, ErrClosed
	}
	if n.cfg.Natives.Has(id) {
		return types.ContractID{}, fmt.Errorf("%w: %s is reserved", native.ErrDuplicateModule, id)
	}
	existing, exists, err := n.store.Get(id)
	if err != nil {
		return types.ContractID{}, err
	}
	if exists && !existing.Code().IsEmpty() {
		n.log.Debug("contract already deployed", zap.Stringer("contract", id))
		return id, nil
	}
	if exists {
		// The id was addressed before its code arrived; keep what it holds.
		if err := existing.AttachCode(mc); err != nil {
			return types.ContractID{}, err
		}
		if err := n.store.Put(id, existing); err != nil {
			return types.ContractID{}, fmt.Errorf("store contract %s: %w", id, err)
		}
		n.log.Info("code attached to existing state",
			zap.Stringer("contract", id),
			zap.Int("code_size", mc.Len()))
		return id, nil
	}
	if err := n.store.Put(id, n.store.NewState(mc)); err != nil {
		return types.ContractID{}, fmt.Errorf("store contract %s: %w", id, err)
	}
	n.log.Info("contract deployed",
		zap.Stringer("contract", id),
		zap.Int("code_size", mc.Len()))
	return id, nil
}

// GetContractState returns the state of id. The second result is false
// when id is unknown.
func (n *NetworkState) GetContractState(id types.ContractID) (state.ContractState, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return state.ContractState{}, false, ErrClosed
	}
	return n.store.Get(id)
}

// GetContractStateOrDefault returns the state of id, inserting an empty
// state with no code when id is unknown.
func (n *NetworkState) GetContractStateOrDefault(id types.ContractID) (state.ContractState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return state.ContractState{}, ErrClosed
	}
	return n.store.GetOrDefault(id)
}

// MutateContractState applies fn to the state of id and stores the result.
// It reports false when id is unknown.
func (n *NetworkState) MutateContractState(id types.ContractID, fn func(*state.ContractState) error) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false, ErrClosed
	}
	return n.store.Mutate(id, fn)
}

// RegisterNative installs a host-implemented module at id.
func (n *NetworkState) RegisterNative(id types.ContractID, m native.Module) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	exists, err := n.store.Has(id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s is a deployed contract", native.ErrDuplicateModule, id)
	}
	return n.cfg.Natives.Register(id, m)
}

func (n *NetworkState) callContext(meter *gas.Meter) *vm.CallContext {
	if meter == nil {
		meter = gas.MustNewMeter(n.cfg.GasLimit)
	}
	return vm.NewCallContext(n.store, meter, vm.Config{
		Engine:       n.cfg.Engine,
		Natives:      n.cfg.Natives,
		Logger:       n.log,
		MaxCallDepth: n.cfg.MaxCallDepth,
		CallTimeout:  n.cfg.CallTimeout,
	})
}

// Query runs a root query against target. A nil meter gets the configured
// gas limit.
func (n *NetworkState) Query(ctx context.Context, target types.ContractID, q abi.Query, meter *gas.Meter) (abi.ReturnValue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return abi.ReturnValue{}, ErrClosed
	}
	return n.callContext(meter).Query(ctx, target, q)
}

// Transact runs a root transaction against target. Its effects are kept
// only if the whole call tree succeeds.
func (n *NetworkState) Transact(ctx context.Context, target types.ContractID, tx abi.Transaction, meter *gas.Meter) (state.ContractState, abi.ReturnValue, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return state.ContractState{}, abi.ReturnValue{}, ErrClosed
	}
	c := n.callContext(meter)
	st, rv, err := c.Transact(ctx, target, tx)
	if err != nil {
		n.log.Debug("transaction failed",
			zap.Stringer("contract", target),
			zap.Uint64("gas_used", c.GasMeter().Consumed()),
			zap.Error(err))
		return state.ContractState{}, abi.ReturnValue{}, err
	}
	n.log.Debug("transaction applied",
		zap.Stringer("contract", target),
		zap.Uint64("gas_used", c.GasMeter().Consumed()))
	return st, rv, nil
}

// CallContract queries target with call's payload and decodes the result
// into R. A failed call returns the call's error; a result that does not
// decode returns a *ReturnDecodeError.
func CallContract[R any, PR interface {
	*R
	codec.Decodable
}](ctx context.Context, n *NetworkState, target types.ContractID, call abi.ContractCall[R], meter *gas.Meter) (R, error) {
	var zero R
	rv, err := n.Query(ctx, target, call.Data(), meter)
	if err != nil {
		return zero, err
	}
	out, err := codec.Decode[R, PR](rv.Bytes())
	if err != nil {
		return zero, &ReturnDecodeError{Contract: target, Err: err}
	}
	return out, nil
}

// Root returns the root hash of the contracts trie, writing pending nodes.
func (n *NetworkState) Root() (types.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return types.Hash{}, ErrClosed
	}
	return n.store.Root()
}

// Commit writes pending nodes and records the root as the head, so Open
// resumes from it.
func (n *NetworkState) Commit() (types.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return types.Hash{}, ErrClosed
	}
	root, err := n.store.Root()
	if err != nil {
		return types.Hash{}, err
	}
	hs, ok := n.nodes.(trie.HeadStore)
	if !ok {
		return types.Hash{}, ErrNoHead
	}
	if err := hs.SetHead(root); err != nil {
		return types.Hash{}, fmt.Errorf("set head: %w", err)
	}
	n.log.Debug("state committed", zap.Stringer("root", root))
	return root, nil
}

// Count returns the number of contracts with state.
func (n *NetworkState) Count() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, ErrClosed
	}
	return n.store.Count()
}

// NodeCount returns the number of trie nodes in the backing store. ok is
// false if the backend cannot count them.
func (n *NetworkState) NodeCount() (count int, ok bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, false, ErrClosed
	}
	return trie.NodeCount(n.nodes)
}

// Compact asks the backing store to reclaim space left by overwritten
// nodes. It is a no-op for backends without garbage collection.
func (n *NetworkState) Compact() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if err := trie.RunGC(n.nodes); err != nil {
		return fmt.Errorf("compact node store: %w", err)
	}
	return nil
}

// Iterate calls fn for every contract in id order.
func (n *NetworkState) Iterate(fn func(id types.ContractID, st state.ContractState) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return n.store.Iterate(fn)
}

// Persist writes a snapshot of the whole state to w.
func (n *NetworkState) Persist(w io.Writer) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, ErrClosed
	}
	count, err := n.store.Persist(w)
	if err != nil {
		return 0, fmt.Errorf("persist state: %w", err)
	}
	n.log.Info("state persisted", zap.Int("nodes", count))
	return count, nil
}

// Restore replaces the current state with a snapshot written by Persist.
func (n *NetworkState) Restore(r io.Reader) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if err := n.store.Restore(r); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	return nil
}

// Close closes the node store. The engine is owned by the caller.
func (n *NetworkState) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return n.nodes.Close()
}
