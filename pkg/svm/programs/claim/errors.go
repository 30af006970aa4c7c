package claim

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Claim program errors. Every failure is terminal and aborts the whole
// transaction.
var (
	ErrMissingSignature     = svm.NewProgramError(6000, "MissingSignature", "requesting party did not sign")
	ErrWrongServiceIdentity = svm.NewProgramError(6001, "WrongServiceIdentity", "token service account is not the configured token program")
	ErrAuthorityMismatch    = svm.NewProgramError(6002, "AuthorityMismatch", "supplied authority does not match the derived authority")
	ErrOwnershipMismatch    = svm.NewProgramError(6003, "OwnershipMismatch", "token account owner does not match")
	ErrMintMismatch         = svm.NewProgramError(6004, "MintMismatch", "token account mint does not match")
	ErrTruncatedInstruction = svm.NewProgramError(6005, "TruncatedInstruction", "instruction data too short")
	ErrMalformedInstruction = svm.NewProgramError(6006, "MalformedInstruction", "instruction data malformed")
	ErrInvalidAmount        = svm.NewProgramError(6007, "InvalidAmount", "claim amount must be greater than zero")
	ErrDerivationExhausted  = svm.NewProgramError(6008, "DerivationExhausted", "no bump yields a valid authority address")
	ErrTransferRejected     = svm.NewProgramError(6009, "TransferRejected", "token service rejected the transfer")
	ErrTreasuryMismatch     = svm.NewProgramError(6010, "TreasuryMismatch", "treasury account is not the pinned treasury")
	ErrWrongProgram         = svm.NewProgramError(6011, "WrongProgram", "account is not a token account of the token service")
	ErrNotEnoughAccounts    = svm.NewProgramError(6012, "NotEnoughAccounts", "not enough accounts for the configured layout")
)

// TransferRejectedError carries the Token Service's reason verbatim.
// errors.Is(err, ErrTransferRejected) holds, and errors.Cause returns the
// reason.
type TransferRejectedError struct {
	Reason error
}

func newTransferRejected(reason error) error {
	return &TransferRejectedError{Reason: reason}
}

func (e *TransferRejectedError) Error() string {
	return fmt.Sprintf("%s: %v", ErrTransferRejected.Msg, e.Reason)
}

// Cause implements the github.com/pkg/errors causer.
func (e *TransferRejectedError) Cause() error {
	return e.Reason
}

func (e *TransferRejectedError) Unwrap() error {
	return e.Reason
}

func (e *TransferRejectedError) Is(target error) bool {
	return target == ErrTransferRejected
}

func (e *TransferRejectedError) CustomCode() svm.CustomError {
	return ErrTransferRejected.Code
}

func (e *TransferRejectedError) ErrorName() string {
	return ErrTransferRejected.Name
}

// IsAdmissionError reports whether err came from account admission.
func IsAdmissionError(err error) bool {
	for _, target := range []error{
		ErrMissingSignature,
		ErrWrongServiceIdentity,
		ErrAuthorityMismatch,
		ErrTreasuryMismatch,
		ErrWrongProgram,
		ErrOwnershipMismatch,
		ErrMintMismatch,
		ErrNotEnoughAccounts,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
