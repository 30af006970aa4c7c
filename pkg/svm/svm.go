// Package svm defines the contract between the custody runtime and the native
// programs it hosts: instructions, account views, the invoke context and
// compute metering.
//
// Programs never touch storage directly. The runtime loads every account a
// transaction names, hands programs mutable views of them, and commits the
// views only when the whole transaction succeeds.
package svm

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
)

var (
	// ErrNotEnoughAccountKeys is returned when an instruction names fewer
	// accounts than the program requires.
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")

	// ErrInvalidInstructionData is returned for undecodable instruction data.
	ErrInvalidInstructionData = errors.New("invalid instruction data")

	// ErrAccountNotWritable is returned when a program modifies an account
	// that was not passed as writable.
	ErrAccountNotWritable = errors.New("account not writable")

	// ErrMissingRequiredSignature is returned when an authority did not sign.
	ErrMissingRequiredSignature = errors.New("missing required signature")

	// ErrIncorrectProgramID is returned when an account is owned by an
	// unexpected program.
	ErrIncorrectProgramID = errors.New("incorrect program id for instruction")
)

// AccountMeta references an account from an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// NewAccountMeta returns a writable account meta.
func NewAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner, IsWritable: true}
}

// NewReadonlyAccountMeta returns a read-only account meta.
func NewReadonlyAccountMeta(pubkey types.Pubkey, isSigner bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: isSigner}
}

// Instruction is a program call: the program, the ordered accounts it may
// touch, and an opaque payload.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// NewInstruction creates an instruction.
func NewInstruction(programID types.Pubkey, data []byte, accounts ...AccountMeta) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts:  accounts,
		Data:      data,
	}
}

// AccountInfo is a program's mutable view of an account during execution.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

// InvokeContext is handed to a program for the duration of one instruction.
type InvokeContext interface {
	// ProgramID is the identity of the executing program.
	ProgramID() types.Pubkey

	// NumAccounts returns the number of accounts passed to the instruction.
	NumAccounts() int

	// GetAccount returns the account at the given instruction index.
	GetAccount(index int) (*AccountInfo, error)

	// InvokeSigned calls another program. Each entry in signerSeeds must
	// re-derive, under the executing program's ID, an address that is then
	// treated as a signer for the callee.
	InvokeSigned(ix Instruction, signerSeeds ...[][]byte) error

	// ConsumeCU charges compute units against the transaction budget.
	ConsumeCU(cost uint64) error

	// StackHeight is 1 for top-level instructions.
	StackHeight() int

	// Log records a program log line.
	Log(msg string)
}

// Program is a native program hosted by the runtime.
type Program interface {
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, data []byte) error

// Process calls f.
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx, data)
}

// ExecutionResult contains the result of transaction execution.
type ExecutionResult struct {
	// Success indicates whether the transaction succeeded.
	Success bool

	// Err is the failure, nil on success.
	Err error

	// InstructionIndex is the failing instruction, -1 on success.
	InstructionIndex int

	// Logs contains program log messages.
	Logs []string

	// ComputeUnitsConsumed is the number of compute units used.
	ComputeUnitsConsumed uint64

	// ModifiedAccounts lists accounts written on commit.
	ModifiedAccounts []types.Pubkey
}

// ErrorMessage returns the failure message or the empty string.
func (r *ExecutionResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
