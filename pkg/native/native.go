// Package native implements reserved modules: host-implemented contracts
// that live in the contract id space but run without a sandbox.
package native

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/gas"
)

var (
	// ErrDuplicateModule is returned when an id is registered twice.
	ErrDuplicateModule = errors.New("native module already registered")

	// ErrInvalidPayload is returned for a payload a module cannot parse.
	ErrInvalidPayload = errors.New("invalid native payload")
)

// Module is a host-implemented contract. Native modules only answer
// queries.
type Module interface {
	Name() string
	Query(ctx context.Context, payload []byte, meter *gas.Meter) (abi.ReturnValue, error)
}

// Registry maps reserved ids to modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[types.ContractID]Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[types.ContractID]Module),
	}
}

// DefaultRegistry creates a registry holding the built-in modules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Fresh registry, cannot collide.
	_ = r.Register(types.HashModuleID, HashModule{})
	return r
}

// Register adds m under id.
func (r *Registry) Register(id types.ContractID, m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.modules[id]; ok {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicateModule, id, existing.Name())
	}
	r.modules[id] = m
	return nil
}

// Get returns the module registered under id.
func (r *Registry) Get(id types.ContractID) (Module, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// Has reports whether id is reserved.
func (r *Registry) Has(id types.ContractID) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns the registered ids in byte order.
func (r *Registry) IDs() []types.ContractID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ContractID, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})
	return ids
}
