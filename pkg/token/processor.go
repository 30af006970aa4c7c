package token

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Processor executes token transfers. Every other token command is rejected
// with ErrInvalidInstruction; ledgers are seeded offline with NewAccountRecord
// and NewMintRecord instead.
type Processor struct{}

// NewProcessor creates a new token processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes a token instruction.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 1 {
		return ErrInvalidInstruction
	}

	if err := ctx.ConsumeCU(svm.CUTokenTransfer); err != nil {
		return err
	}

	switch Command(data[0]) {
	case CommandTransfer:
		if len(data) < 9 {
			return ErrInvalidInstruction
		}
		amount := binary.LittleEndian.Uint64(data[1:9])
		ctx.Log("Instruction: Transfer")
		return p.transfer(ctx, amount, nil)

	case CommandTransferChecked:
		if len(data) < 10 {
			return ErrInvalidInstruction
		}
		amount := binary.LittleEndian.Uint64(data[1:9])
		decimals := data[9]
		ctx.Log("Instruction: TransferChecked")
		return p.transfer(ctx, amount, &decimals)

	default:
		return errors.Wrapf(ErrInvalidInstruction, "unsupported command %d", data[0])
	}
}

// transfer moves amount from the source to the destination account. When
// expectedDecimals is set the instruction carries a mint account at index 1
// and the accounts shift by one.
func (p *Processor) transfer(ctx svm.InvokeContext, amount uint64, expectedDecimals *uint8) error {
	sourceIdx, mintIdx, destIdx, authIdx := 0, -1, 1, 2
	if expectedDecimals != nil {
		sourceIdx, mintIdx, destIdx, authIdx = 0, 1, 2, 3
	}
	if ctx.NumAccounts() < authIdx+1 {
		return svm.ErrNotEnoughAccountKeys
	}

	sourceInfo, err := ctx.GetAccount(sourceIdx)
	if err != nil {
		return err
	}
	destInfo, err := ctx.GetAccount(destIdx)
	if err != nil {
		return err
	}
	authInfo, err := ctx.GetAccount(authIdx)
	if err != nil {
		return err
	}

	source, err := loadAccount(ctx, sourceInfo)
	if err != nil {
		return err
	}
	dest, err := loadAccount(ctx, destInfo)
	if err != nil {
		return err
	}

	if source.State == AccountStateFrozen || dest.State == AccountStateFrozen {
		return ErrAccountFrozen
	}
	if source.Amount < amount {
		return ErrInsufficientFunds
	}
	if source.Mint != dest.Mint {
		return ErrMintMismatch
	}

	if expectedDecimals != nil {
		mintInfo, err := ctx.GetAccount(mintIdx)
		if err != nil {
			return err
		}
		if mintInfo.Key != source.Mint {
			return ErrMintMismatch
		}
		if mintInfo.Owner != ctx.ProgramID() {
			return svm.ErrIncorrectProgramID
		}
		var mint Mint
		if !mint.Unmarshal(mintInfo.Data) || !mint.IsInitialized {
			return ErrUninitializedState
		}
		if mint.Decimals != *expectedDecimals {
			return ErrMintDecimalsMismatch
		}
	}

	delegated := false
	switch {
	case source.Owner == authInfo.Key:
	case source.Delegate != nil && *source.Delegate == authInfo.Key:
		if source.DelegatedAmount < amount {
			return ErrInsufficientFunds
		}
		delegated = true
	default:
		return ErrOwnerMismatch
	}
	if !authInfo.IsSigner {
		return svm.ErrMissingRequiredSignature
	}

	if !sourceInfo.IsWritable || !destInfo.IsWritable {
		return svm.ErrAccountNotWritable
	}

	// Self transfers are validated like any other but leave state untouched.
	if sourceInfo.Key == destInfo.Key {
		return nil
	}

	if dest.Amount+amount < dest.Amount {
		return ErrOverflow
	}

	source.Amount -= amount
	if delegated {
		source.DelegatedAmount -= amount
		if source.DelegatedAmount == 0 {
			source.Delegate = nil
		}
	}
	dest.Amount += amount

	sourceInfo.Data = source.Marshal()
	destInfo.Data = dest.Marshal()

	ctx.Log(fmt.Sprintf("Transfer %d from %s to %s", amount, sourceInfo.Key, destInfo.Key))
	return nil
}

func loadAccount(ctx svm.InvokeContext, info *svm.AccountInfo) (*Account, error) {
	if info.Owner != ctx.ProgramID() {
		return nil, svm.ErrIncorrectProgramID
	}

	var account Account
	if !account.Unmarshal(info.Data) || account.State == AccountStateUninitialized {
		return nil, ErrUninitializedState
	}
	return &account, nil
}
