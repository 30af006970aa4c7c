package token

import (
	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
)

// Rent-exempt reserves for the token layouts.
const (
	AccountRentExemptLamports = 2_039_280
	MintRentExemptLamports    = 1_461_600
)

// NewAccountRecord returns the ledger record of an initialised token account.
func NewAccountRecord(mint, owner types.Pubkey, amount uint64) *accounts.Account {
	state := &Account{
		Mint:   mint,
		Owner:  owner,
		Amount: amount,
		State:  AccountStateInitialized,
	}
	return &accounts.Account{
		Lamports: AccountRentExemptLamports,
		Data:     state.Marshal(),
		Owner:    ProgramKey,
	}
}

// NewMintRecord returns the ledger record of an initialised mint.
func NewMintRecord(decimals uint8, supply uint64, authority *types.Pubkey) *accounts.Account {
	state := &Mint{
		MintAuthority: authority,
		Supply:        supply,
		Decimals:      decimals,
		IsInitialized: true,
	}
	return &accounts.Account{
		Lamports: MintRentExemptLamports,
		Data:     state.Marshal(),
		Owner:    ProgramKey,
	}
}

// GetAccount loads and decodes a token account from the ledger.
func GetAccount(db accounts.DB, address types.Pubkey) (*Account, error) {
	record, err := db.GetAccount(address)
	if err != nil {
		return nil, err
	}
	if record.Owner != ProgramKey {
		return nil, ErrInvalidOwnerProgram
	}

	var state Account
	if !state.Unmarshal(record.Data) {
		return nil, ErrUninitializedState
	}
	return &state, nil
}

// GetMint loads and decodes a mint from the ledger.
func GetMint(db accounts.DB, address types.Pubkey) (*Mint, error) {
	record, err := db.GetAccount(address)
	if err != nil {
		return nil, err
	}
	if record.Owner != ProgramKey {
		return nil, ErrInvalidOwnerProgram
	}

	var state Mint
	if !state.Unmarshal(record.Data) || !state.IsInitialized {
		return nil, ErrUninitializedState
	}
	return &state, nil
}
