package vm

import (
	"errors"
	"fmt"

	"github.com/fortiblox/contractvm/internal/types"
)

// VM errors.
var (
	ErrMemoryNotFound    = errors.New("memory export not found")
	ErrInvalidArguments  = errors.New("invalid host function arguments")
	ErrInvalidUTF8       = errors.New("invalid utf-8")
	ErrContractNotFound  = errors.New("contract not found")
	ErrEmptyStack        = errors.New("call stack is empty")
	ErrMemoryAccess      = errors.New("linear memory access out of bounds")
	ErrMemoryTooSmall    = errors.New("linear memory too small for arguments")
	ErrCallDepthExceeded = errors.New("call depth exceeded")
	ErrStorageReadOnly   = errors.New("storage is read-only in a query")
	ErrMutationInQuery   = errors.New("transaction attempted inside a query")
	ErrNativeTransaction = errors.New("native modules do not accept transactions")
	ErrContractPanic     = errors.New("contract panicked")
	ErrUnknownHostFunc   = errors.New("unknown host function")
	ErrNoEngine          = errors.New("no sandbox engine configured")
)

// Trap is a fault raised inside a contract's sandbox: an explicit trap,
// an out-of-bounds access, a missing export.
type Trap struct {
	Contract types.ContractID
	Err      error
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap in contract %s: %v", t.Contract.Short(), t.Err)
}

func (t *Trap) Unwrap() error {
	return t.Err
}

// hostError carries a host-side error through the sandbox so the calling
// query or transact can recover it unchanged.
type hostError struct {
	err error
}

func (h *hostError) Error() string {
	return "host error: " + h.err.Error()
}

func (h *hostError) Unwrap() error {
	return h.err
}

// callError maps an error returned by an export invocation back to the
// error that caused it.
func callError(target types.ContractID, err error) error {
	var he *hostError
	if errors.As(err, &he) {
		return he.err
	}
	var trap *Trap
	if errors.As(err, &trap) {
		return trap
	}
	return &Trap{Contract: target, Err: err}
}
