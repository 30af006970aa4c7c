package pda

import (
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
)

// Authority is the derived spending authority of a custodial pool. It is
// recomputed from (program ID, seed label) whenever it is needed and is never
// stored.
type Authority struct {
	SeedLabel []byte
	Address   types.Pubkey
	Bump      uint8
}

// DeriveAuthority finds the canonical authority for a program and seed label.
// The same function serves both verification of a supplied authority and the
// signer seeds presented when the program transfers on its behalf.
func DeriveAuthority(programID types.Pubkey, seedLabel []byte) (Authority, error) {
	if len(seedLabel) > MaxSeedLen {
		return Authority{}, ErrMaxSeedLengthExceeded
	}

	addr, bump, err := FindProgramAddress([][]byte{seedLabel}, programID)
	if err != nil {
		return Authority{}, errors.Wrapf(err, "failed to derive authority for seed %q", seedLabel)
	}

	label := make([]byte, len(seedLabel))
	copy(label, seedLabel)

	return Authority{
		SeedLabel: label,
		Address:   addr,
		Bump:      bump,
	}, nil
}

// SignerSeeds returns the seeds that re-derive the authority address,
// [seedLabel, bump], for use in a signed cross-program invocation.
func (a Authority) SignerSeeds() [][]byte {
	return [][]byte{a.SeedLabel, {a.Bump}}
}

// Matches reports whether addr is this authority.
func (a Authority) Matches(addr types.Pubkey) bool {
	return a.Address == addr
}
