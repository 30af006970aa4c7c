package svm

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Compute unit costs charged by the runtime and the native programs.
const (
	CUDefault = uint64(200_000)   // Default CU limit per transaction
	CUMax     = uint64(1_400_000) // Max CU limit per transaction

	CUInvokeBase       = uint64(1_000) // Base cost for a cross-program invocation
	CUInvokePerAccount = uint64(10)    // Per account passed to an invocation
	CUSignatureVerify  = uint64(720)   // Ed25519 signature verification

	CUCreateProgramAddress = uint64(1_500) // One create_program_address attempt

	CUTokenTransfer     = uint64(4_645) // Token transfer, measured against SPL Token
	CUClaimDefault      = uint64(2_000) // Claim program bookkeeping excluding derivation
	CUComputeBudgetBase = uint64(150)
)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute budget exceeded")

	// ErrComputeInvalidLimit is returned for invalid compute limit.
	ErrComputeInvalidLimit = errors.New("invalid compute unit limit")
)

// ComputeMeter tracks compute unit consumption across one transaction,
// including nested invocations.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter with the specified limit.
// Limits above CUMax are clamped.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			atomic.AddUint64(&cm.consumed, remaining)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// SetLimit replaces the limit before any units have been consumed. It is used
// when a transaction requests its own compute budget.
func (cm *ComputeMeter) SetLimit(limit uint64) error {
	if limit == 0 || limit > CUMax {
		return ErrComputeInvalidLimit
	}
	if atomic.LoadUint64(&cm.consumed) > limit {
		return ErrComputeInvalidLimit
	}
	atomic.StoreUint64(&cm.remaining, limit-atomic.LoadUint64(&cm.consumed))
	cm.limit = limit
	return nil
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}
