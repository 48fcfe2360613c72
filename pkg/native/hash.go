package native

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/contractvm/pkg/abi"
	"github.com/fortiblox/contractvm/pkg/gas"
)

// Hash selectors. The payload is one selector byte followed by the data.
const (
	SelectorBlake3    = byte(0)
	SelectorKeccak256 = byte(1)
	SelectorSHA3      = byte(2)
	SelectorSHA256    = byte(3)
)

// HashModule returns the 32-byte digest of its payload data.
type HashModule struct{}

// Name implements Module.
func (HashModule) Name() string { return "hash" }

// Query implements Module.
func (HashModule) Query(_ context.Context, payload []byte, meter *gas.Meter) (abi.ReturnValue, error) {
	if len(payload) == 0 {
		return abi.ReturnValue{}, fmt.Errorf("%w: missing selector", ErrInvalidPayload)
	}
	data := payload[1:]
	if err := meter.ChargeBytes(0, gas.CostHashPerByte, len(data)); err != nil {
		return abi.ReturnValue{}, err
	}

	var digest [32]byte
	switch payload[0] {
	case SelectorBlake3:
		digest = blake3.Sum256(data)
	case SelectorKeccak256:
		h := sha3.NewLegacyKeccak256()
		h.Write(data)
		h.Sum(digest[:0])
	case SelectorSHA3:
		digest = sha3.Sum256(data)
	case SelectorSHA256:
		digest = sha256.Sum256(data)
	default:
		return abi.ReturnValue{}, fmt.Errorf("%w: unknown selector %d", ErrInvalidPayload, payload[0])
	}
	return abi.NewReturnValue(digest[:]), nil
}
