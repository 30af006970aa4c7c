package claim

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
	"github.com/fortiblox/x1-custody/pkg/svm"
	"github.com/fortiblox/x1-custody/pkg/token"
)

// Role is the part an account plays in a claim.
type Role uint8

const (
	RoleRequester Role = iota
	RoleUserDestination
	RoleTreasurySource
	RoleAuthority
	RoleTokenService
	RoleMint
)

func (r Role) String() string {
	switch r {
	case RoleRequester:
		return "requester"
	case RoleUserDestination:
		return "destination"
	case RoleTreasurySource:
		return "treasury"
	case RoleAuthority:
		return "authority"
	case RoleTokenService:
		return "token_service"
	case RoleMint:
		return "mint"
	default:
		return "unknown"
	}
}

// Layout is a fixed account order.
type Layout uint8

const (
	// LayoutMinimal is [treasury, destination, authority, token service,
	// requester].
	LayoutMinimal Layout = iota

	// LayoutWithMint is [requester, destination, treasury, mint,
	// token service, authority].
	LayoutWithMint
)

var layoutRoles = map[Layout][]Role{
	LayoutMinimal:  {RoleTreasurySource, RoleUserDestination, RoleAuthority, RoleTokenService, RoleRequester},
	LayoutWithMint: {RoleRequester, RoleUserDestination, RoleTreasurySource, RoleMint, RoleTokenService, RoleAuthority},
}

func (l Layout) String() string {
	switch l {
	case LayoutMinimal:
		return "minimal"
	case LayoutWithMint:
		return "with_mint"
	default:
		return "unknown"
	}
}

// ParseLayout parses the configuration name of a layout.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "minimal":
		return LayoutMinimal, nil
	case "with_mint", "with-mint", "mint":
		return LayoutWithMint, nil
	default:
		return 0, errors.Errorf("unknown account layout %q", s)
	}
}

func (l Layout) valid() bool {
	_, ok := layoutRoles[l]
	return ok
}

// Roles returns the account roles in instruction order.
func (l Layout) Roles() []Role {
	return append([]Role(nil), layoutRoles[l]...)
}

// HasMint reports whether the layout carries the mint account.
func (l Layout) HasMint() bool {
	for _, r := range layoutRoles[l] {
		if r == RoleMint {
			return true
		}
	}
	return false
}

// ParticipantAccount is the admission view of one claim account.
type ParticipantAccount struct {
	Role    Role
	Address types.Pubkey
	// Program is the runtime owner of the record.
	Program types.Pubkey
	// OwnerAddress and MintAddress are set for token accounts.
	OwnerAddress *types.Pubkey
	MintAddress  *types.Pubkey
	IsSigner     bool
	IsWritable   bool
}

// Participants are the resolved accounts of one claim.
type Participants struct {
	Requester    *svm.AccountInfo
	Destination  *svm.AccountInfo
	Treasury     *svm.AccountInfo
	Authority    *svm.AccountInfo
	TokenService *svm.AccountInfo
	// Mint is nil for layouts without a mint account.
	Mint *svm.AccountInfo
}

func (p *Participants) byRole(r Role) *svm.AccountInfo {
	switch r {
	case RoleRequester:
		return p.Requester
	case RoleUserDestination:
		return p.Destination
	case RoleTreasurySource:
		return p.Treasury
	case RoleAuthority:
		return p.Authority
	case RoleTokenService:
		return p.TokenService
	case RoleMint:
		return p.Mint
	}
	return nil
}

func (p *Participants) set(r Role, info *svm.AccountInfo) {
	switch r {
	case RoleRequester:
		p.Requester = info
	case RoleUserDestination:
		p.Destination = info
	case RoleTreasurySource:
		p.Treasury = info
	case RoleAuthority:
		p.Authority = info
	case RoleTokenService:
		p.TokenService = info
	case RoleMint:
		p.Mint = info
	}
}

// ResolveAccounts binds the instruction accounts to roles. Accounts past the
// layout are ignored.
func ResolveAccounts(ctx svm.InvokeContext, l Layout) (*Participants, error) {
	roles, ok := layoutRoles[l]
	if !ok {
		return nil, errors.Errorf("unknown account layout %d", l)
	}
	if ctx.NumAccounts() < len(roles) {
		return nil, ErrNotEnoughAccounts
	}

	p := &Participants{}
	for i, r := range roles {
		info, err := ctx.GetAccount(i)
		if err != nil {
			return nil, ErrNotEnoughAccounts
		}
		p.set(r, info)
	}
	return p, nil
}

// Admitted is the outcome of a successful admission: the participants and the
// decoded token accounts.
type Admitted struct {
	*Participants
	TreasuryState    token.Account
	DestinationState token.Account
}

// Admit runs the admission checks in order and stops at the first failure.
// The order is observable through the reported error and is part of the
// program's contract:
//
//  1. the requester signed
//  2. the token service is the configured token program
//  3. the supplied authority is the derived authority
//  4. the treasury is the pinned treasury, when one is pinned
//  5. treasury and destination are initialised token accounts of the token
//     program
//  6. the treasury is owned by the authority
//  7. the destination is owned by the requester, when required
//  8. mints agree, when mint checking is enabled
func Admit(cfg *Config, auth pda.Authority, p *Participants) (*Admitted, error) {
	if !p.Requester.IsSigner {
		return nil, ErrMissingSignature
	}
	if p.TokenService.Key != cfg.TokenProgramID {
		return nil, ErrWrongServiceIdentity
	}
	if !auth.Matches(p.Authority.Key) {
		return nil, ErrAuthorityMismatch
	}
	if cfg.PinnedTreasury != nil && p.Treasury.Key != *cfg.PinnedTreasury {
		return nil, ErrTreasuryMismatch
	}

	treasury, err := loadTokenAccount(cfg, p.Treasury)
	if err != nil {
		return nil, err
	}
	destination, err := loadTokenAccount(cfg, p.Destination)
	if err != nil {
		return nil, err
	}

	if treasury.Owner != auth.Address {
		return nil, errors.Wrapf(ErrOwnershipMismatch, "treasury %s is owned by %s", p.Treasury.Key, treasury.Owner)
	}
	if cfg.RequireDestinationOwner && destination.Owner != p.Requester.Key {
		return nil, errors.Wrapf(ErrOwnershipMismatch, "destination %s is owned by %s", p.Destination.Key, destination.Owner)
	}

	if cfg.CheckMint {
		if err := checkMint(cfg, p, treasury, destination); err != nil {
			return nil, err
		}
	}

	return &Admitted{
		Participants:     p,
		TreasuryState:    treasury,
		DestinationState: destination,
	}, nil
}

// Accounts returns the admitted participants in layout order.
func (a *Admitted) Accounts(l Layout) []ParticipantAccount {
	out := make([]ParticipantAccount, 0, len(layoutRoles[l]))
	for _, r := range layoutRoles[l] {
		info := a.byRole(r)
		if info == nil {
			continue
		}
		pa := ParticipantAccount{
			Role:       r,
			Address:    info.Key,
			Program:    info.Owner,
			IsSigner:   info.IsSigner,
			IsWritable: info.IsWritable,
		}
		switch r {
		case RoleTreasurySource:
			pa.OwnerAddress, pa.MintAddress = &a.TreasuryState.Owner, &a.TreasuryState.Mint
		case RoleUserDestination:
			pa.OwnerAddress, pa.MintAddress = &a.DestinationState.Owner, &a.DestinationState.Mint
		}
		out = append(out, pa)
	}
	return out
}

func loadTokenAccount(cfg *Config, info *svm.AccountInfo) (token.Account, error) {
	var a token.Account
	if info.Owner != cfg.TokenProgramID {
		return a, errors.Wrapf(ErrWrongProgram, "%s is owned by %s", info.Key, info.Owner)
	}
	if !a.Unmarshal(info.Data) || a.State == token.AccountStateUninitialized {
		return a, errors.Wrapf(ErrWrongProgram, "%s is not an initialised token account", info.Key)
	}
	return a, nil
}

func checkMint(cfg *Config, p *Participants, treasury, destination token.Account) error {
	if treasury.Mint != destination.Mint {
		return errors.Wrapf(ErrMintMismatch, "treasury mint %s, destination mint %s", treasury.Mint, destination.Mint)
	}
	if cfg.ExpectedMint != nil && treasury.Mint != *cfg.ExpectedMint {
		return errors.Wrapf(ErrMintMismatch, "treasury mint %s, expected %s", treasury.Mint, *cfg.ExpectedMint)
	}
	if p.Mint != nil && p.Mint.Key != treasury.Mint {
		return errors.Wrapf(ErrMintMismatch, "mint account %s, treasury mint %s", p.Mint.Key, treasury.Mint)
	}
	return nil
}

// ExpectedAccounts returns the account metas a claim instruction must carry
// for the given layout, in order.
func ExpectedAccounts(l Layout, requester, destination, treasury, authority, tokenProgram types.Pubkey, mint *types.Pubkey) ([]svm.AccountMeta, error) {
	roles, ok := layoutRoles[l]
	if !ok {
		return nil, errors.Errorf("unknown account layout %d", l)
	}

	metas := make([]svm.AccountMeta, 0, len(roles))
	for _, r := range roles {
		switch r {
		case RoleRequester:
			metas = append(metas, svm.NewReadonlyAccountMeta(requester, true))
		case RoleUserDestination:
			metas = append(metas, svm.NewAccountMeta(destination, false))
		case RoleTreasurySource:
			metas = append(metas, svm.NewAccountMeta(treasury, false))
		case RoleAuthority:
			metas = append(metas, svm.NewReadonlyAccountMeta(authority, false))
		case RoleTokenService:
			metas = append(metas, svm.NewReadonlyAccountMeta(tokenProgram, false))
		case RoleMint:
			if mint == nil {
				return nil, errors.New("layout requires a mint account")
			}
			metas = append(metas, svm.NewReadonlyAccountMeta(*mint, false))
		}
	}
	return metas, nil
}
