// Package sandbox runs contract bytecode in an isolated WASM instance.
//
// The package defines the small surface the VM needs from an executor
// (Engine, Instance, Memory) and the callback the executor uses to reach
// the host (Externals). WazeroEngine is the production implementation.
package sandbox

import (
	"context"
	"errors"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
)

var (
	// ErrExportNotFound is returned when a callable export is missing.
	ErrExportNotFound = errors.New("export not found")

	// ErrNoExternals is raised when a host function runs without Externals
	// attached to the call context.
	ErrNoExternals = errors.New("no externals bound to call")

	// ErrEngineClosed is returned by a closed engine.
	ErrEngineClosed = errors.New("engine closed")

	// ErrInterrupted is returned when a call is stopped because its
	// context was cancelled or hit its deadline.
	ErrInterrupted = errors.New("execution interrupted")
)

// Engine instantiates contract modules.
type Engine interface {
	// Instantiate creates a fresh instance of code. Instances of the same
	// contract are independent, so a contract may be re-entered.
	Instantiate(ctx context.Context, id types.ContractID, code []byte) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one live module instance.
type Instance interface {
	// Memory returns the exported linear memory, if any.
	Memory() (Memory, bool)
	// Call invokes a callable export with a single i32 argument. Host
	// functions called during the invocation reach the host through the
	// Externals attached to ctx.
	Call(ctx context.Context, export string, arg int32) error
	Close(ctx context.Context) error
}

// Memory is an instance's linear memory.
type Memory interface {
	// Bytes returns a view of the whole memory. The view is invalid after
	// Grow or after the instance is closed.
	Bytes() []byte
	Size() uint32
	// Grow adds pages of 64 KiB and reports the previous page count.
	Grow(deltaPages uint32) (uint32, bool)
}

// PageSize is the WASM page size.
const PageSize = 65536

// Externals receives every host function call made by a contract.
type Externals interface {
	// InvokeIndex runs host function fn with raw arguments and returns its
	// raw result (ignored for functions without results).
	InvokeIndex(ctx context.Context, fn abi.HostFunc, args []uint64) (uint64, error)
}

type externalsKey struct{}

// WithExternals attaches ext to ctx.
func WithExternals(ctx context.Context, ext Externals) context.Context {
	return context.WithValue(ctx, externalsKey{}, ext)
}

// ExternalsFrom returns the Externals attached to ctx.
func ExternalsFrom(ctx context.Context) (Externals, bool) {
	ext, ok := ctx.Value(externalsKey{}).(Externals)
	return ext, ok && ext != nil
}
