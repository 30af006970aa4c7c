// Package claim implements the treasury claim program: a native program that
// releases tokens from a custodial treasury to a requester's token account.
//
// The treasury is owned by a derived authority that has no private key. The
// program re-derives the authority from its own identity and a fixed seed
// label, admits the claim's accounts against it, and asks the Token Service
// to transfer, signing with the derivation seeds. No state is kept between
// claims.
package claim

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

var deriveAuthority = pda.DeriveAuthority

// Receipt describes a completed claim.
type Receipt struct {
	Amount      uint64
	Destination types.Pubkey
	Authority   types.Pubkey
	Bump        uint8

	// Accounts are the admitted participants in layout order.
	Accounts []ParticipantAccount
}

// Program is the claim program.
type Program struct {
	cfg     Config
	decoder Decoder
}

// NewProgram validates cfg and creates the program.
func NewProgram(cfg Config) (*Program, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid claim program config")
	}
	decoder, err := NewDecoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	return &Program{cfg: cfg, decoder: decoder}, nil
}

// Config returns the program's deployment constants.
func (p *Program) Config() Config {
	return p.cfg
}

// Process implements svm.Program. The token accounts of a completed claim
// are logged with their recorded owners.
func (p *Program) Process(ctx svm.InvokeContext, data []byte) error {
	receipt, err := p.Claim(ctx, data)
	if err != nil {
		return err
	}
	for _, acct := range receipt.Accounts {
		if acct.OwnerAddress == nil {
			continue
		}
		ctx.Log(fmt.Sprintf("%s %s owned by %s", acct.Role, acct.Address, *acct.OwnerAddress))
	}
	return nil
}

// Claim executes one claim and returns its receipt.
func (p *Program) Claim(ctx svm.InvokeContext, data []byte) (*Receipt, error) {
	if ctx.ProgramID() != p.cfg.ProgramID {
		return nil, svm.ErrIncorrectProgramID
	}
	if err := ctx.ConsumeCU(svm.CUClaimDefault); err != nil {
		return nil, err
	}

	req, err := p.decoder.Decode(data)
	if err != nil {
		return nil, err
	}

	auth, err := p.derive(ctx)
	if err != nil {
		return nil, err
	}

	participants, err := ResolveAccounts(ctx, p.cfg.Layout)
	if err != nil {
		return nil, err
	}

	admitted, err := Admit(&p.cfg, auth, participants)
	if err != nil {
		return nil, err
	}

	cmd := NewTransferCommand(&p.cfg, admitted, req.Amount)
	if err := Dispatch(ctx, cmd, auth); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Transferred %d tokens to %s", req.Amount, cmd.Destination))

	return &Receipt{
		Amount:      req.Amount,
		Destination: cmd.Destination,
		Authority:   auth.Address,
		Bump:        auth.Bump,
		Accounts:    admitted.Accounts(p.cfg.Layout),
	}, nil
}

// derive recomputes the authority and charges one derivation attempt per bump
// tried, 256 when the search is exhausted.
func (p *Program) derive(ctx svm.InvokeContext) (pda.Authority, error) {
	auth, err := deriveAuthority(p.cfg.ProgramID, p.cfg.SeedLabel)
	if err != nil {
		if errors.Is(err, pda.ErrDerivationExhausted) {
			if cuErr := ctx.ConsumeCU(256 * svm.CUCreateProgramAddress); cuErr != nil {
				return pda.Authority{}, cuErr
			}
			return pda.Authority{}, ErrDerivationExhausted
		}
		return pda.Authority{}, err
	}

	attempts := uint64(255-auth.Bump) + 1
	if err := ctx.ConsumeCU(attempts * svm.CUCreateProgramAddress); err != nil {
		return pda.Authority{}, err
	}
	return auth, nil
}
