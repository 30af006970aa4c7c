package claim

import (
	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// ClaimAccounts names the parties of a claim instruction.
type ClaimAccounts struct {
	Requester   types.Pubkey
	Destination types.Pubkey
	Treasury    types.Pubkey
	// Mint is required by layouts that carry the mint account.
	Mint *types.Pubkey
}

// NewClaimInstruction builds a claim instruction for the deployment described
// by cfg. The authority is derived, not supplied.
func NewClaimInstruction(cfg *Config, accts ClaimAccounts, amount uint64) (svm.Instruction, error) {
	auth, err := cfg.Authority()
	if err != nil {
		return svm.Instruction{}, err
	}

	data, err := EncodeClaim(cfg.Encoding, amount)
	if err != nil {
		return svm.Instruction{}, err
	}

	metas, err := ExpectedAccounts(cfg.Layout, accts.Requester, accts.Destination, accts.Treasury, auth.Address, cfg.TokenProgramID, accts.Mint)
	if err != nil {
		return svm.Instruction{}, err
	}

	return svm.NewInstruction(cfg.ProgramID, data, metas...), nil
}
