package claim

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
	"github.com/fortiblox/x1-custody/pkg/svm"
	"github.com/fortiblox/x1-custody/pkg/token"
)

// TransferCommand is the transfer the claim program asks the Token Service to
// perform on the authority's behalf.
type TransferCommand struct {
	TokenProgramID types.Pubkey
	Source         types.Pubkey
	Destination    types.Pubkey
	Authorizer     types.Pubkey
	Amount         uint64

	// Mint and Decimals select TransferChecked when both are set.
	Mint     *types.Pubkey
	Decimals *uint8
}

// NewTransferCommand builds the command for an admitted claim.
func NewTransferCommand(cfg *Config, adm *Admitted, amount uint64) TransferCommand {
	cmd := TransferCommand{
		TokenProgramID: cfg.TokenProgramID,
		Source:         adm.Treasury.Key,
		Destination:    adm.Destination.Key,
		Authorizer:     adm.Authority.Key,
		Amount:         amount,
	}
	if adm.Mint != nil && cfg.MintDecimals != nil {
		mint := adm.Mint.Key
		decimals := *cfg.MintDecimals
		cmd.Mint = &mint
		cmd.Decimals = &decimals
	}
	return cmd
}

// Instruction encodes the command for the Token Service.
func (c TransferCommand) Instruction() svm.Instruction {
	var ix svm.Instruction
	if c.Mint != nil && c.Decimals != nil {
		ix = token.TransferChecked(c.Source, *c.Mint, c.Destination, c.Authorizer, c.Amount, *c.Decimals)
	} else {
		ix = token.Transfer(c.Source, c.Destination, c.Authorizer, c.Amount)
	}
	ix.ProgramID = c.TokenProgramID
	return ix
}

// Dispatch invokes the Token Service, signing for the authority with its
// derivation seeds. Any rejection is reported as TransferRejected carrying
// the service's reason; compute exhaustion passes through unchanged.
func Dispatch(ctx svm.InvokeContext, cmd TransferCommand, auth pda.Authority) error {
	err := ctx.InvokeSigned(cmd.Instruction(), auth.SignerSeeds())
	if err == nil {
		return nil
	}
	if errors.Is(err, svm.ErrComputeExceeded) {
		return err
	}
	return newTransferRejected(err)
}
