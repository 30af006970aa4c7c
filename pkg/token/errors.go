package token

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Token program errors. Codes match the SPL Token error enum so that clients
// decoding custom errors see the values they expect.
var (
	ErrInsufficientFunds    = svm.NewProgramError(1, "InsufficientFunds", "insufficient funds")
	ErrMintMismatch         = svm.NewProgramError(3, "MintMismatch", "account not associated with this mint")
	ErrOwnerMismatch        = svm.NewProgramError(4, "OwnerMismatch", "owner does not match")
	ErrUninitializedState   = svm.NewProgramError(9, "UninitializedState", "state is uninitialized")
	ErrInvalidInstruction   = svm.NewProgramError(12, "InvalidInstruction", "invalid instruction")
	ErrOverflow             = svm.NewProgramError(14, "Overflow", "operation overflowed")
	ErrAccountFrozen        = svm.NewProgramError(17, "AccountFrozen", "account is frozen")
	ErrMintDecimalsMismatch = svm.NewProgramError(18, "MintDecimalsMismatch", "the provided decimals value different from the mint decimals")
)

// ErrInvalidOwnerProgram is returned when a ledger record that should hold
// token state is owned by another program.
var ErrInvalidOwnerProgram = errors.New("account not owned by the token program")
