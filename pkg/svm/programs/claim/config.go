package claim

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
)

// Config holds the deployment constants of one claim program instance. They
// are fixed for the lifetime of the program identity; changing any of them
// means deploying under a new program ID.
type Config struct {
	// ProgramID is the identity the authority is derived under.
	ProgramID types.Pubkey

	// SeedLabel is the fixed derivation seed, e.g. "treasury".
	SeedLabel []byte

	// Encoding selects the instruction wire format.
	Encoding Encoding

	// Layout fixes the account order.
	Layout Layout

	// TokenProgramID is the Token Service identity transfers are sent to.
	TokenProgramID types.Pubkey

	// CheckMint enables the mint equality checks.
	CheckMint bool

	// ExpectedMint additionally pins the mint when CheckMint is set.
	ExpectedMint *types.Pubkey

	// PinnedTreasury pins the treasury token account address.
	PinnedTreasury *types.Pubkey

	// RequireDestinationOwner requires the destination token account to be
	// owned by the requester.
	RequireDestinationOwner bool

	// MintDecimals selects TransferChecked when the layout carries the mint.
	MintDecimals *uint8
}

// Validate checks that the constants are usable.
func (c *Config) Validate() error {
	if c.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if len(c.SeedLabel) == 0 {
		return errors.New("seed label is required")
	}
	if len(c.SeedLabel) > pda.MaxSeedLen {
		return errors.Errorf("seed label longer than %d bytes", pda.MaxSeedLen)
	}
	if c.TokenProgramID.IsZero() {
		return errors.New("token program id is required")
	}
	if _, err := NewDecoder(c.Encoding); err != nil {
		return err
	}
	if !c.Layout.valid() {
		return errors.Errorf("unknown account layout %d", c.Layout)
	}
	if c.ExpectedMint != nil && !c.CheckMint {
		return errors.New("expected mint is set but mint checking is disabled")
	}
	if c.MintDecimals != nil && !c.Layout.HasMint() {
		return errors.New("mint decimals require an account layout that carries the mint")
	}
	return nil
}

// Authority derives the deployment's spending authority.
func (c *Config) Authority() (pda.Authority, error) {
	return pda.DeriveAuthority(c.ProgramID, c.SeedLabel)
}
