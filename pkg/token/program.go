// Package token implements the transfer side of the token program: the
// account and mint layouts, the instruction builders the claim program uses,
// and a native processor the runtime hosts as the Token Service.
package token

import (
	"encoding/binary"
	"math"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// ProgramKey is the address of the token program.
var ProgramKey = types.TokenProgramAddr

type Command byte

const (
	CommandInitializeMint Command = iota
	CommandInitializeAccount
	CommandInitializeMultisig
	CommandTransfer
	CommandApprove
	CommandRevoke
	CommandSetAuthority
	CommandMintTo
	CommandBurn
	CommandCloseAccount
	CommandFreezeAccount
	CommandThawAccount
	CommandTransferChecked

	CommandUnknown = Command(math.MaxUint8)
)

func (c Command) String() string {
	switch c {
	case CommandTransfer:
		return "Transfer"
	case CommandTransferChecked:
		return "TransferChecked"
	default:
		return "Unknown"
	}
}

// Transfer builds a token transfer.
//
// Accounts expected by this instruction:
//
//  0. `[writable]` The source account.
//  1. `[writable]` The destination account.
//  2. `[signer]` The source account's owner/delegate.
func Transfer(source, dest, owner types.Pubkey, amount uint64) svm.Instruction {
	data := make([]byte, 1+8)
	data[0] = byte(CommandTransfer)
	binary.LittleEndian.PutUint64(data[1:], amount)

	return svm.NewInstruction(
		ProgramKey,
		data,
		svm.NewAccountMeta(source, false),
		svm.NewAccountMeta(dest, false),
		svm.NewReadonlyAccountMeta(owner, true),
	)
}

// TransferChecked builds a token transfer that also asserts the mint and its
// decimals.
//
// Accounts expected by this instruction:
//
//  0. `[writable]` The source account.
//  1. `[]` The token mint.
//  2. `[writable]` The destination account.
//  3. `[signer]` The source account's owner/delegate.
func TransferChecked(source, mint, dest, owner types.Pubkey, amount uint64, decimals uint8) svm.Instruction {
	data := make([]byte, 1+8+1)
	data[0] = byte(CommandTransferChecked)
	binary.LittleEndian.PutUint64(data[1:], amount)
	data[9] = decimals

	return svm.NewInstruction(
		ProgramKey,
		data,
		svm.NewAccountMeta(source, false),
		svm.NewReadonlyAccountMeta(mint, false),
		svm.NewAccountMeta(dest, false),
		svm.NewReadonlyAccountMeta(owner, true),
	)
}
