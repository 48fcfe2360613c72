package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/gas"
	"github.com/fortiblox/contractvm/pkg/sandbox"
)

var _ sandbox.Externals = (*CallContext)(nil)

// InvokeIndex is the entry point for every host function a contract calls.
// A trap from a nested call is passed back as is; any other error is
// wrapped so the invoking Query or Transact can recover it unchanged.
func (c *CallContext) InvokeIndex(ctx context.Context, fn abi.HostFunc, args []uint64) (uint64, error) {
	res, err := c.dispatch(ctx, fn, args)
	if err == nil {
		return res, nil
	}
	var trap *Trap
	if errors.As(err, &trap) {
		return 0, trap
	}
	return 0, &hostError{err: err}
}

func (c *CallContext) dispatch(ctx context.Context, fn abi.HostFunc, args []uint64) (uint64, error) {
	if !fn.Valid() {
		return 0, fmt.Errorf("%w: index %d", ErrUnknownHostFunc, uint32(fn))
	}
	if len(args) != fn.Arity() {
		return 0, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArguments, fn, fn.Arity(), len(args))
	}
	if len(c.stack) == 0 {
		return 0, ErrEmptyStack
	}
	if err := c.meter.Charge(gas.CostHostCall); err != nil {
		return 0, err
	}

	switch fn {
	case abi.Debug:
		return 0, c.hostDebug(u32(args[0]), u32(args[1]))
	case abi.SelfHash:
		return 0, c.hostSelfHash(u32(args[0]))
	case abi.Caller:
		return c.hostCaller(u32(args[0]))
	case abi.StorageGet:
		return c.hostStorageGet(u32(args[0]), u32(args[1]), u32(args[2]))
	case abi.StorageSet:
		return 0, c.hostStorageSet(u32(args[0]), u32(args[1]), u32(args[2]))
	case abi.QueryCall:
		return c.hostQuery(ctx, u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3]), u32(args[4]))
	case abi.TransactCall:
		return c.hostTransact(ctx, u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3]), u32(args[4]), u32(args[5]))
	case abi.GasLeft:
		return c.meter.Remaining(), nil
	case abi.Panic:
		return 0, c.hostPanic(u32(args[0]), u32(args[1]))
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownHostFunc, fn)
	}
}

func u32(v uint64) uint32 {
	return uint32(v)
}

// i32 encodes a signed result the way the sandbox expects it.
func i32(v int32) uint64 {
	return uint64(uint32(v))
}
