// Package gas implements the execution budget shared by every frame of a
// call tree.
package gas

import (
	"errors"
	"math"
)

// Cost schedule.
const (
	CostHostCall     = uint64(100)   // Base cost of any host function
	CostNativeCall   = uint64(500)   // Base cost of a native module call
	CostCall         = uint64(1_000) // Base cost of instantiating a contract
	CostPerCodeByte  = uint64(1)     // Per byte of instantiated bytecode
	CostPerByte      = uint64(1)     // Per byte copied across the sandbox
	CostStorageRead  = uint64(200)   // Per storage_get
	CostStorageWrite = uint64(5_000) // Per storage_set
	CostHashPerByte  = uint64(1)     // Per byte hashed by a native module
)

// ScheduleVersion identifies the cost schedule above. It is recorded on
// every deployed contract.
const ScheduleVersion = uint32(1)

// Limits.
const (
	LimitDefault = uint64(10_000_000)
	LimitMax     = uint64(math.MaxUint64)
)

var (
	// ErrOutOfGas is returned when a charge exceeds the remaining budget.
	ErrOutOfGas = errors.New("out of gas")

	// ErrInvalidLimit is returned for a zero limit.
	ErrInvalidLimit = errors.New("invalid gas limit")
)

// Meter tracks gas consumption. A single Meter is threaded through a whole
// call tree and is never used concurrently.
type Meter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
	unlimited bool
}

// NewMeter creates a meter with the given limit.
func NewMeter(limit uint64) (*Meter, error) {
	if limit == 0 {
		return nil, ErrInvalidLimit
	}
	return &Meter{
		remaining: limit,
		limit:     limit,
	}, nil
}

// MustNewMeter is like NewMeter but panics on error.
func MustNewMeter(limit uint64) *Meter {
	m, err := NewMeter(limit)
	if err != nil {
		panic(err)
	}
	return m
}

// NewUnlimitedMeter creates a meter that never runs out (for testing and
// offline inspection).
func NewUnlimitedMeter() *Meter {
	return &Meter{
		remaining: LimitMax,
		limit:     LimitMax,
		unlimited: true,
	}
}

// Charge consumes cost units. When the budget is insufficient the meter is
// drained and ErrOutOfGas is returned.
func (m *Meter) Charge(cost uint64) error {
	if m.unlimited {
		m.consumed += cost
		return nil
	}
	if m.remaining < cost {
		m.consumed += m.remaining
		m.remaining = 0
		return ErrOutOfGas
	}
	m.remaining -= cost
	m.consumed += cost
	return nil
}

// ChargeBytes charges base plus perByte for each of n bytes.
func (m *Meter) ChargeBytes(base, perByte uint64, n int) error {
	if n < 0 {
		n = 0
	}
	variable := perByte * uint64(n)
	if perByte != 0 && variable/perByte != uint64(n) {
		return m.Charge(LimitMax)
	}
	total := base + variable
	if total < base {
		return m.Charge(LimitMax)
	}
	return m.Charge(total)
}

// Check reports ErrOutOfGas if fewer than cost units remain, without
// consuming anything.
func (m *Meter) Check(cost uint64) error {
	if m.unlimited || m.remaining >= cost {
		return nil
	}
	return ErrOutOfGas
}

// Remaining returns the remaining budget.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the total consumed.
func (m *Meter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the meter's limit.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// IsExhausted reports whether nothing remains.
func (m *Meter) IsExhausted() bool {
	return !m.unlimited && m.remaining == 0
}
