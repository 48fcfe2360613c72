package vm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fortiblox/contractvm/internal/types"
	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/gas"
	"github.com/fortiblox/contractvm/pkg/state"
	"github.com/fortiblox/contractvm/pkg/trie"
)

// Maximum sizes.
const (
	MaxDebugLen   = 10_000
	MaxPayloadLen = 1 << 20
)

func span(mem []byte, ofs, n uint32) ([]byte, error) {
	end := uint64(ofs) + uint64(n)
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrMemoryAccess, ofs, end, len(mem))
	}
	return mem[ofs:end], nil
}

// readMemory copies n bytes at ofs out of the current frame's memory.
func (c *CallContext) readMemory(ofs, n uint32) ([]byte, error) {
	var out []byte
	err := c.Memory(func(mem []byte) error {
		b, err := span(mem, ofs, n)
		if err != nil {
			return err
		}
		out = append([]byte(nil), b...)
		return nil
	})
	return out, err
}

// writeMemory copies b into the current frame's memory at ofs.
func (c *CallContext) writeMemory(ofs uint32, b []byte) error {
	return c.MemoryMut(func(mem []byte) error {
		dst, err := span(mem, ofs, uint32(len(b)))
		if err != nil {
			return err
		}
		copy(dst, b)
		return nil
	})
}

func (c *CallContext) readContractID(ofs uint32) (types.ContractID, error) {
	b, err := c.readMemory(ofs, types.ContractIDSize)
	if err != nil {
		return types.ContractID{}, err
	}
	return types.ContractIDFromBytes(b)
}

// hostDebug validates the whole message and logs at most MaxDebugLen
// bytes of it, cut on a rune boundary.
func (c *CallContext) hostDebug(ofs, n uint32) error {
	if err := c.meter.ChargeBytes(0, gas.CostPerByte, int(n)); err != nil {
		return err
	}
	b, err := c.readMemory(ofs, n)
	if err != nil {
		return err
	}
	if !utf8.Valid(b) {
		return ErrInvalidUTF8
	}
	if len(b) > MaxDebugLen {
		cut := MaxDebugLen
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b = b[:cut]
	}
	callee, _ := c.Callee()
	c.log.Debug("contract debug",
		zap.String("contract", callee.Short()),
		zap.Int("depth", len(c.stack)),
		zap.Uint32("len", n),
		zap.String("message", string(b)))
	return nil
}

func (c *CallContext) hostSelfHash(ofs uint32) error {
	callee, err := c.Callee()
	if err != nil {
		return err
	}
	return c.writeMemory(ofs, callee[:])
}

func (c *CallContext) hostCaller(ofs uint32) (uint64, error) {
	caller, ok := c.Caller()
	if !ok {
		return 0, nil
	}
	if err := c.writeMemory(ofs, caller[:]); err != nil {
		return 0, err
	}
	return 1, nil
}

func (c *CallContext) hostStorageGet(keyOfs, valOfs, valCap uint32) (uint64, error) {
	if err := c.meter.Charge(gas.CostStorageRead); err != nil {
		return 0, err
	}
	key, err := c.readMemory(keyOfs, trie.KeySize)
	if err != nil {
		return 0, err
	}
	callee, err := c.Callee()
	if err != nil {
		return 0, err
	}
	st, err := c.mustGet(callee)
	if err != nil {
		return 0, err
	}
	val, ok, err := st.StorageGet(trie.Key(key))
	if err != nil {
		return 0, err
	}
	if !ok {
		return i32(-1), nil
	}
	n := len(val)
	if uint64(n) > uint64(valCap) {
		n = int(valCap)
	}
	if err := c.writeMemory(valOfs, val[:n]); err != nil {
		return 0, err
	}
	return uint64(len(val)), nil
}

func (c *CallContext) hostStorageSet(keyOfs, valOfs, valLen uint32) error {
	top, err := c.Top()
	if err != nil {
		return err
	}
	if top.readOnly {
		return ErrStorageReadOnly
	}
	if err := c.meter.ChargeBytes(gas.CostStorageWrite, gas.CostPerByte, int(valLen)); err != nil {
		return err
	}
	key, err := c.readMemory(keyOfs, trie.KeySize)
	if err != nil {
		return err
	}
	val, err := c.readMemory(valOfs, valLen)
	if err != nil {
		return err
	}
	found, err := c.store.Mutate(top.callee, func(st *state.ContractState) error {
		return st.StorageSet(trie.Key(key), val)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrContractNotFound, top.callee)
	}
	return nil
}

func (c *CallContext) readCall(targetOfs, argOfs, argLen uint32) (types.ContractID, []byte, error) {
	if argLen > MaxPayloadLen {
		return types.ContractID{}, nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidArguments, argLen)
	}
	target, err := c.readContractID(targetOfs)
	if err != nil {
		return types.ContractID{}, nil, err
	}
	arg, err := c.readMemory(argOfs, argLen)
	if err != nil {
		return types.ContractID{}, nil, err
	}
	if err := c.meter.ChargeBytes(0, gas.CostPerByte, len(arg)); err != nil {
		return types.ContractID{}, nil, err
	}
	return target, arg, nil
}

// writeReturn copies up to retCap bytes of rv into the caller's memory and
// returns the full length.
func (c *CallContext) writeReturn(rv abi.ReturnValue, retOfs, retCap uint32) (uint64, error) {
	b := rv.Bytes()
	if uint64(len(b)) > uint64(retCap) {
		b = b[:retCap]
	}
	if err := c.writeMemory(retOfs, b); err != nil {
		return 0, err
	}
	return uint64(rv.Len()), nil
}

func (c *CallContext) hostQuery(ctx context.Context, targetOfs, argOfs, argLen, retOfs, retCap uint32) (uint64, error) {
	target, arg, err := c.readCall(targetOfs, argOfs, argLen)
	if err != nil {
		return 0, err
	}
	rv, err := c.Query(ctx, target, abi.Query(arg))
	if err != nil {
		return 0, err
	}
	return c.writeReturn(rv, retOfs, retCap)
}

func (c *CallContext) hostTransact(ctx context.Context, targetOfs, argOfs, argLen, retOfs, retCap, stateOfs uint32) (uint64, error) {
	target, arg, err := c.readCall(targetOfs, argOfs, argLen)
	if err != nil {
		return 0, err
	}
	st, rv, err := c.Transact(ctx, target, abi.Transaction(arg))
	if err != nil {
		return 0, err
	}
	if err := c.writeMemory(stateOfs, st.Image().Bytes()); err != nil {
		return 0, err
	}
	return c.writeReturn(rv, retOfs, retCap)
}

func (c *CallContext) hostPanic(ofs, n uint32) error {
	if n > MaxDebugLen {
		n = MaxDebugLen
	}
	b, err := c.readMemory(ofs, n)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrContractPanic, strings.ToValidUTF8(string(b), "�"))
}
