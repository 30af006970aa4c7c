// Package pda derives program addresses: keyless account addresses that only
// the owning program can authorise, by presenting the seeds they were derived
// from to the runtime.
package pda

import (
	"crypto/sha256"
	"math"

	"github.com/jdgcs/ed25519/edwards25519"
	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
)

// Derivation limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var pdaMarker = []byte("ProgramDerivedAddress")

var (
	// ErrMaxSeedsExceeded is returned when more than MaxSeeds seeds are supplied.
	ErrMaxSeedsExceeded = errors.New("max seeds exceeded")

	// ErrMaxSeedLengthExceeded is returned when a seed is longer than MaxSeedLen.
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")

	// ErrOnCurve is returned when the seeds hash to a valid ed25519 point.
	ErrOnCurve = errors.New("derived address is on the ed25519 curve")

	// ErrDerivationExhausted is returned when no bump in [0, 255] yields an
	// off-curve address.
	ErrDerivationExhausted = errors.New("unable to find a viable program address bump seed")
)

var (
	programHashCtor = sha256.New
)

// CreateProgramAddress hashes seeds || programID || "ProgramDerivedAddress" and
// returns the digest if it is not a valid compressed ed25519 point.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	var addr types.Pubkey

	if len(seeds) > MaxSeeds {
		return addr, ErrMaxSeedsExceeded
	}

	h := programHashCtor()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return addr, ErrMaxSeedLengthExceeded
		}
		if _, err := h.Write(seed); err != nil {
			return addr, errors.Wrap(err, "failed to hash seed")
		}
	}
	for _, v := range [][]byte{programID[:], pdaMarker} {
		if _, err := h.Write(v); err != nil {
			return addr, errors.Wrap(err, "failed to hash seed")
		}
	}

	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr) {
		return types.Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bump seeds from 255 down to 0 and returns the
// first off-curve address together with its bump.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := math.MaxUint8; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}

		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if err != ErrOnCurve {
			return types.Pubkey{}, 0, err
		}
	}

	return types.Pubkey{}, 0, ErrDerivationExhausted
}

// IsOnCurve reports whether addr decodes as a compressed ed25519 point, that
// is, whether a private key could exist for it.
func IsOnCurve(addr types.Pubkey) bool {
	pub := [32]byte(addr)
	var A edwards25519.ExtendedGroupElement
	return A.FromBytes(&pub)
}
