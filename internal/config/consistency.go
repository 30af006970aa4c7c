package config

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
	"github.com/fortiblox/x1-custody/pkg/token"
)

var (
	ErrTreasuryNotFound = errors.New("pinned treasury not found in ledger")
	ErrTreasuryOwner    = errors.New("pinned treasury is not owned by the derived authority")
	ErrTreasuryMint     = errors.New("pinned treasury holds a different mint")
)

// Finding is one inconsistency between the deployment and the ledger.
type Finding struct {
	Err    error
	Detail string
}

func (f Finding) Error() string {
	return fmt.Sprintf("%v: %s", f.Err, f.Detail)
}

func (f Finding) Unwrap() error { return f.Err }

// Report is the result of CheckConsistency.
type Report struct {
	Authority types.Pubkey
	Bump      uint8

	// Treasury is the pinned treasury, if the deployment pins one.
	Treasury *types.Pubkey
	Balance  uint64

	Findings []Finding
}

// OK reports whether no inconsistency was found.
func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

// Err returns the first finding, or nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return r.Findings[0]
}

// CheckConsistency compares the derived authority with the ledger. When the
// deployment pins a treasury, the treasury must be a token account owned by
// the derived authority and, if a mint is expected, hold that mint.
// Mismatches are reported, never corrected.
func CheckConsistency(db accounts.DB, cfg claim.Config) (*Report, error) {
	auth, err := cfg.Authority()
	if err != nil {
		return nil, errors.Wrap(err, "derive authority")
	}

	report := &Report{Authority: auth.Address, Bump: auth.Bump, Treasury: cfg.PinnedTreasury}
	if cfg.PinnedTreasury == nil {
		return report, nil
	}

	acct, err := token.GetAccount(db, *cfg.PinnedTreasury)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound),
		errors.Is(err, token.ErrInvalidOwnerProgram),
		errors.Is(err, token.ErrUninitializedState):
		report.Findings = append(report.Findings, Finding{
			Err:    ErrTreasuryNotFound,
			Detail: fmt.Sprintf("%s: %v", cfg.PinnedTreasury, err),
		})
		return report, nil
	case err != nil:
		return nil, errors.Wrapf(err, "load treasury %s", cfg.PinnedTreasury)
	}

	report.Balance = acct.Amount
	if acct.Owner != auth.Address {
		report.Findings = append(report.Findings, Finding{
			Err:    ErrTreasuryOwner,
			Detail: fmt.Sprintf("recorded owner %s, derived authority %s", acct.Owner, auth.Address),
		})
	}
	if cfg.ExpectedMint != nil && acct.Mint != *cfg.ExpectedMint {
		report.Findings = append(report.Findings, Finding{
			Err:    ErrTreasuryMint,
			Detail: fmt.Sprintf("treasury mint %s, expected %s", acct.Mint, cfg.ExpectedMint),
		})
	}
	return report, nil
}
