package token

import (
	"encoding/binary"

	"github.com/fortiblox/x1-custody/internal/types"
)

type AccountState byte

const (
	AccountStateUninitialized AccountState = iota
	AccountStateInitialized
	AccountStateFrozen
)

func (s AccountState) String() string {
	switch s {
	case AccountStateUninitialized:
		return "uninitialized"
	case AccountStateInitialized:
		return "initialized"
	case AccountStateFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Account layout sizes, byte compatible with SPL Token.
const (
	AccountSize = 165
	MintSize    = 82
)

const optionSize = 4

// Account is the state of a token account: a balance of one mint held on
// behalf of an owner.
type Account struct {
	// The mint associated with this account
	Mint types.Pubkey
	// The owner of this account.
	Owner types.Pubkey
	// The amount of tokens this account holds.
	Amount uint64
	// If set, DelegatedAmount may be moved by the delegate.
	Delegate *types.Pubkey
	// The account's state
	State AccountState
	// If set, this is a wrapped native account holding this rent reserve.
	IsNative *uint64
	// The amount delegated
	DelegatedAmount uint64
	// Optional authority to close the account.
	CloseAuthority *types.Pubkey
}

func (a *Account) Marshal() []byte {
	b := make([]byte, AccountSize)

	var offset int
	putKey(b, a.Mint, &offset)
	putKey(b, a.Owner, &offset)
	putUint64(b, a.Amount, &offset)
	putOptionalKey(b, a.Delegate, &offset)
	b[offset] = byte(a.State)
	offset++
	putOptionalUint64(b, a.IsNative, &offset)
	putUint64(b, a.DelegatedAmount, &offset)
	putOptionalKey(b, a.CloseAuthority, &offset)

	return b
}

func (a *Account) Unmarshal(b []byte) bool {
	if len(b) != AccountSize {
		return false
	}

	var offset int
	getKey(b, &a.Mint, &offset)
	getKey(b, &a.Owner, &offset)
	getUint64(b, &a.Amount, &offset)
	a.Delegate = getOptionalKey(b, &offset)
	a.State = AccountState(b[offset])
	offset++
	a.IsNative = getOptionalUint64(b, &offset)
	getUint64(b, &a.DelegatedAmount, &offset)
	a.CloseAuthority = getOptionalKey(b, &offset)

	return true
}

// Mint is the state of a token mint.
type Mint struct {
	MintAuthority   *types.Pubkey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *types.Pubkey
}

func (m *Mint) Marshal() []byte {
	b := make([]byte, MintSize)

	var offset int
	putOptionalKey(b, m.MintAuthority, &offset)
	putUint64(b, m.Supply, &offset)
	b[offset] = m.Decimals
	offset++
	if m.IsInitialized {
		b[offset] = 1
	}
	offset++
	putOptionalKey(b, m.FreezeAuthority, &offset)

	return b
}

func (m *Mint) Unmarshal(b []byte) bool {
	if len(b) != MintSize {
		return false
	}

	var offset int
	m.MintAuthority = getOptionalKey(b, &offset)
	getUint64(b, &m.Supply, &offset)
	m.Decimals = b[offset]
	offset++
	m.IsInitialized = b[offset] == 1
	offset++
	m.FreezeAuthority = getOptionalKey(b, &offset)

	return true
}

func putKey(b []byte, key types.Pubkey, offset *int) {
	copy(b[*offset:], key[:])
	*offset += types.PubkeySize
}

func getKey(b []byte, key *types.Pubkey, offset *int) {
	copy(key[:], b[*offset:*offset+types.PubkeySize])
	*offset += types.PubkeySize
}

func putUint64(b []byte, v uint64, offset *int) {
	binary.LittleEndian.PutUint64(b[*offset:], v)
	*offset += 8
}

func getUint64(b []byte, v *uint64, offset *int) {
	*v = binary.LittleEndian.Uint64(b[*offset:])
	*offset += 8
}

func putOptionalKey(b []byte, key *types.Pubkey, offset *int) {
	if key != nil {
		binary.LittleEndian.PutUint32(b[*offset:], 1)
		copy(b[*offset+optionSize:], key[:])
	}
	*offset += optionSize + types.PubkeySize
}

func getOptionalKey(b []byte, offset *int) *types.Pubkey {
	defer func() { *offset += optionSize + types.PubkeySize }()

	if binary.LittleEndian.Uint32(b[*offset:]) == 0 {
		return nil
	}
	var key types.Pubkey
	copy(key[:], b[*offset+optionSize:])
	return &key
}

func putOptionalUint64(b []byte, v *uint64, offset *int) {
	if v != nil {
		binary.LittleEndian.PutUint32(b[*offset:], 1)
		binary.LittleEndian.PutUint64(b[*offset+optionSize:], *v)
	}
	*offset += optionSize + 8
}

func getOptionalUint64(b []byte, offset *int) *uint64 {
	defer func() { *offset += optionSize + 8 }()

	if binary.LittleEndian.Uint32(b[*offset:]) == 0 {
		return nil
	}
	v := binary.LittleEndian.Uint64(b[*offset+optionSize:])
	return &v
}
