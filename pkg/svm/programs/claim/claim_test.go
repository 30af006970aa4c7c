package claim

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
	"github.com/fortiblox/x1-custody/pkg/svm"
	"github.com/fortiblox/x1-custody/pkg/token"
)

var testProgramID = types.MustPubkeyFromBase58("AzjaVGh81f1jZtZvouZ4pccaRoPvCcB87Vu2fRDWV5et")

type invocation struct {
	ix    svm.Instruction
	seeds [][][]byte
}

// fakeContext hosts the claim program and runs invocations against the real
// token processor, treating the seeds' derived addresses as signers.
type fakeContext struct {
	programID types.Pubkey
	accounts  []*svm.AccountInfo
	logs      []string
	consumed  uint64
	invoked   []invocation
	invokeErr error
}

func (c *fakeContext) ProgramID() types.Pubkey { return c.programID }
func (c *fakeContext) NumAccounts() int        { return len(c.accounts) }
func (c *fakeContext) GetAccount(i int) (*svm.AccountInfo, error) {
	if i >= len(c.accounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return c.accounts[i], nil
}
func (c *fakeContext) ConsumeCU(cost uint64) error { c.consumed += cost; return nil }
func (c *fakeContext) StackHeight() int            { return 1 }
func (c *fakeContext) Log(msg string)              { c.logs = append(c.logs, msg) }

func (c *fakeContext) InvokeSigned(ix svm.Instruction, signerSeeds ...[][]byte) error {
	c.invoked = append(c.invoked, invocation{ix: ix, seeds: signerSeeds})
	if c.invokeErr != nil {
		return c.invokeErr
	}

	signers := map[types.Pubkey]bool{}
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, c.programID)
		if err != nil {
			return err
		}
		signers[addr] = true
	}

	callee := &calleeContext{programID: ix.ProgramID, parent: c}
	for _, meta := range ix.Accounts {
		var found *svm.AccountInfo
		for _, info := range c.accounts {
			if info.Key == meta.Pubkey {
				found = info
				break
			}
		}
		if found == nil {
			return svm.ErrNotEnoughAccountKeys
		}
		view := *found
		view.Data = append([]byte(nil), found.Data...)
		view.IsSigner = meta.IsSigner && (found.IsSigner || signers[found.Key])
		view.IsWritable = meta.IsWritable && found.IsWritable
		callee.accounts = append(callee.accounts, &view)
	}

	if err := token.NewProcessor().Process(callee, ix.Data); err != nil {
		return err
	}
	for _, view := range callee.accounts {
		for _, info := range c.accounts {
			if info.Key == view.Key {
				info.Data = view.Data
			}
		}
	}
	return nil
}

type calleeContext struct {
	programID types.Pubkey
	accounts  []*svm.AccountInfo
	parent    *fakeContext
}

func (c *calleeContext) ProgramID() types.Pubkey { return c.programID }
func (c *calleeContext) NumAccounts() int        { return len(c.accounts) }
func (c *calleeContext) GetAccount(i int) (*svm.AccountInfo, error) {
	if i >= len(c.accounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return c.accounts[i], nil
}
func (c *calleeContext) InvokeSigned(svm.Instruction, ...[][]byte) error { return nil }
func (c *calleeContext) ConsumeCU(cost uint64) error                     { return c.parent.ConsumeCU(cost) }
func (c *calleeContext) StackHeight() int                                { return 2 }
func (c *calleeContext) Log(msg string)                                  { c.parent.Log(msg) }

type claimEnv struct {
	cfg         Config
	auth        pda.Authority
	mint        types.Pubkey
	requester   types.Pubkey
	treasury    types.Pubkey
	destination types.Pubkey
	infos       map[Role]*svm.AccountInfo
}

func newClaimEnv(t *testing.T, layout Layout, treasuryBalance uint64) *claimEnv {
	t.Helper()

	env := &claimEnv{
		cfg: Config{
			ProgramID:      testProgramID,
			SeedLabel:      []byte("treasury"),
			Encoding:       EncodingFixed,
			Layout:         layout,
			TokenProgramID: token.ProgramKey,
			CheckMint:      true,
		},
		mint:        types.Pubkey{0xaa},
		requester:   types.Pubkey{0x01},
		treasury:    types.Pubkey{0x02},
		destination: types.Pubkey{0x03},
	}

	auth, err := env.cfg.Authority()
	require.NoError(t, err)
	env.auth = auth

	tokenInfo := func(key, owner types.Pubkey, amount uint64) *svm.AccountInfo {
		rec := token.NewAccountRecord(env.mint, owner, amount)
		return &svm.AccountInfo{Key: key, Owner: rec.Owner, Lamports: rec.Lamports, Data: rec.Data, IsWritable: true}
	}
	mintRec := token.NewMintRecord(6, 1_000_000, nil)

	env.infos = map[Role]*svm.AccountInfo{
		RoleRequester:       {Key: env.requester, Owner: types.SystemProgramAddr, IsSigner: true},
		RoleUserDestination: tokenInfo(env.destination, env.requester, 0),
		RoleTreasurySource:  tokenInfo(env.treasury, auth.Address, treasuryBalance),
		RoleAuthority:       {Key: auth.Address, Owner: types.SystemProgramAddr},
		RoleTokenService:    {Key: token.ProgramKey, Owner: types.NativeLoaderAddr, Executable: true},
		RoleMint:            {Key: env.mint, Owner: mintRec.Owner, Data: mintRec.Data},
	}
	return env
}

func (env *claimEnv) context() *fakeContext {
	ctx := &fakeContext{programID: env.cfg.ProgramID}
	for _, r := range env.cfg.Layout.Roles() {
		ctx.accounts = append(ctx.accounts, env.infos[r])
	}
	return ctx
}

func (env *claimEnv) program(t *testing.T) *Program {
	t.Helper()
	p, err := NewProgram(env.cfg)
	require.NoError(t, err)
	return p
}

func amountData(amount uint64) []byte {
	data, _ := EncodeClaim(EncodingFixed, amount)
	return data
}

func tokenBalance(t *testing.T, info *svm.AccountInfo) uint64 {
	t.Helper()
	var a token.Account
	require.True(t, a.Unmarshal(info.Data))
	return a.Amount
}

func TestClaimDiscriminator(t *testing.T) {
	assert.Equal(t, "3ec6d6c1d59f6cd2", hex.EncodeToString(ClaimDiscriminator[:]))
}

func TestDecoders(t *testing.T) {
	le := func(b ...byte) []byte { return b }
	sig := ClaimDiscriminator[:]

	for _, tc := range []struct {
		name   string
		enc    Encoding
		data   []byte
		amount uint64
		err    error
	}{
		{name: "fixed", enc: EncodingFixed, data: le(0x10, 0x27, 0, 0, 0, 0, 0, 0), amount: 10_000},
		{name: "fixed trailing bytes ignored", enc: EncodingFixed, data: le(5, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff), amount: 5},
		{name: "fixed truncated", enc: EncodingFixed, data: le(5, 0, 0, 0, 0, 0, 0), err: ErrTruncatedInstruction},
		{name: "fixed empty", enc: EncodingFixed, data: nil, err: ErrTruncatedInstruction},
		{name: "fixed zero", enc: EncodingFixed, data: make([]byte, 8), err: ErrInvalidAmount},
		{name: "tagged", enc: EncodingTagged, data: le(0, 7, 0, 0, 0, 0, 0, 0, 0), amount: 7},
		{name: "tagged unknown variant", enc: EncodingTagged, data: le(1, 7, 0, 0, 0, 0, 0, 0, 0), err: ErrMalformedInstruction},
		{name: "tagged short", enc: EncodingTagged, data: le(0, 7, 0, 0), err: ErrMalformedInstruction},
		{name: "tagged trailing", enc: EncodingTagged, data: le(0, 7, 0, 0, 0, 0, 0, 0, 0, 1), err: ErrMalformedInstruction},
		{name: "tagged empty", enc: EncodingTagged, data: nil, err: ErrMalformedInstruction},
		{name: "tagged zero", enc: EncodingTagged, data: make([]byte, 9), err: ErrInvalidAmount},
		{name: "sighash", enc: EncodingSighash, data: append(append([]byte{}, sig...), 9, 0, 0, 0, 0, 0, 0, 0), amount: 9},
		{name: "sighash wrong discriminator", enc: EncodingSighash, data: append(make([]byte, 8), 9, 0, 0, 0, 0, 0, 0, 0), err: ErrMalformedInstruction},
		{name: "sighash short", enc: EncodingSighash, data: append(append([]byte{}, sig...), 9), err: ErrMalformedInstruction},
		{name: "sighash zero", enc: EncodingSighash, data: append(append([]byte{}, sig...), make([]byte, 8)...), err: ErrInvalidAmount},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d, err := NewDecoder(tc.enc)
			require.NoError(t, err)

			req, err := d.Decode(tc.data)
			if tc.err != nil {
				assert.Equal(t, tc.err, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.amount, req.Amount)
			assert.Equal(t, tc.amount, mustDecode(t, d, d.Encode(req)).Amount)
		})
	}

	_, err := NewDecoder(Encoding(9))
	assert.Error(t, err)
}

func mustDecode(t *testing.T, d Decoder, data []byte) ClaimRequest {
	t.Helper()
	req, err := d.Decode(data)
	require.NoError(t, err)
	return req
}

func TestParseNames(t *testing.T) {
	enc, err := ParseEncoding("Anchor")
	require.NoError(t, err)
	assert.Equal(t, EncodingSighash, enc)
	_, err = ParseEncoding("protobuf")
	assert.Error(t, err)

	l, err := ParseLayout("with_mint")
	require.NoError(t, err)
	assert.Equal(t, LayoutWithMint, l)
	assert.True(t, l.HasMint())
	assert.False(t, LayoutMinimal.HasMint())
	_, err = ParseLayout("other")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	mint := types.Pubkey{1}
	decimals := uint8(6)
	base := func() Config {
		return Config{
			ProgramID:      testProgramID,
			SeedLabel:      []byte("treasury"),
			TokenProgramID: token.ProgramKey,
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	for name, mutate := range map[string]func(c *Config){
		"missing program":     func(c *Config) { c.ProgramID = types.Pubkey{} },
		"empty seed":          func(c *Config) { c.SeedLabel = nil },
		"long seed":           func(c *Config) { c.SeedLabel = bytes.Repeat([]byte{1}, 33) },
		"missing token":       func(c *Config) { c.TokenProgramID = types.Pubkey{} },
		"bad encoding":        func(c *Config) { c.Encoding = 7 },
		"bad layout":          func(c *Config) { c.Layout = 7 },
		"mint without check":  func(c *Config) { c.ExpectedMint = &mint },
		"decimals no mint ac": func(c *Config) { c.MintDecimals = &decimals },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestClaim_Minimal(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 1_000)
	ctx := env.context()

	receipt, err := env.program(t).Claim(ctx, amountData(400))
	require.NoError(t, err)

	require.Len(t, receipt.Accounts, 5)
	assert.Equal(t, &Receipt{
		Amount:      400,
		Destination: env.destination,
		Authority:   env.auth.Address,
		Bump:        env.auth.Bump,
		Accounts:    receipt.Accounts,
	}, receipt)
	assert.EqualValues(t, 600, tokenBalance(t, env.infos[RoleTreasurySource]))
	assert.EqualValues(t, 400, tokenBalance(t, env.infos[RoleUserDestination]))

	require.Len(t, ctx.invoked, 1)
	inv := ctx.invoked[0]
	assert.Equal(t, [][][]byte{{[]byte("treasury"), {env.auth.Bump}}}, inv.seeds)

	assert.Equal(t, token.Transfer(env.treasury, env.destination, env.auth.Address, 400), inv.ix)

	assert.Contains(t, ctx.logs, "Transferred 400 tokens to "+env.destination.String())

	attempts := uint64(255-env.auth.Bump) + 1
	assert.Equal(t, svm.CUClaimDefault+attempts*svm.CUCreateProgramAddress+svm.CUTokenTransfer, ctx.consumed)
}

func TestClaim_WithMintUsesTransferChecked(t *testing.T) {
	env := newClaimEnv(t, LayoutWithMint, 50)
	decimals := uint8(6)
	env.cfg.MintDecimals = &decimals
	env.cfg.ExpectedMint = &env.mint
	ctx := env.context()

	require.NoError(t, env.program(t).Process(ctx, amountData(50)))
	require.Len(t, ctx.invoked, 1)

	assert.Equal(t, token.TransferChecked(env.treasury, env.mint, env.destination, env.auth.Address, 50, 6), ctx.invoked[0].ix)
	assert.Contains(t, ctx.logs, "treasury "+env.treasury.String()+" owned by "+env.auth.Address.String())
	assert.Contains(t, ctx.logs, "destination "+env.destination.String()+" owned by "+env.requester.String())
	assert.EqualValues(t, 0, tokenBalance(t, env.infos[RoleTreasurySource]))
	assert.EqualValues(t, 50, tokenBalance(t, env.infos[RoleUserDestination]))
}

func TestClaim_AdmissionFailures(t *testing.T) {
	otherMint := types.Pubkey{0xbb}

	setTokenAccount := func(info *svm.AccountInfo, mutate func(a *token.Account)) {
		var a token.Account
		a.Unmarshal(info.Data)
		mutate(&a)
		info.Data = a.Marshal()
	}

	for _, tc := range []struct {
		name   string
		layout Layout
		mutate func(env *claimEnv)
		err    error
	}{
		{
			name:   "requester did not sign",
			mutate: func(env *claimEnv) { env.infos[RoleRequester].IsSigner = false },
			err:    ErrMissingSignature,
		},
		{
			name: "signature checked before ownership",
			mutate: func(env *claimEnv) {
				env.infos[RoleRequester].IsSigner = false
				env.infos[RoleAuthority].Key = types.Pubkey{0x77}
				setTokenAccount(env.infos[RoleTreasurySource], func(a *token.Account) { a.Owner = types.Pubkey{0x77} })
			},
			err: ErrMissingSignature,
		},
		{
			name:   "impostor token service",
			mutate: func(env *claimEnv) { env.infos[RoleTokenService].Key = types.Pubkey{0x66} },
			err:    ErrWrongServiceIdentity,
		},
		{
			name:   "wrong authority",
			mutate: func(env *claimEnv) { env.infos[RoleAuthority].Key = types.Pubkey{0x77} },
			err:    ErrAuthorityMismatch,
		},
		{
			name: "pinned treasury",
			mutate: func(env *claimEnv) {
				pinned := types.Pubkey{0x55}
				env.cfg.PinnedTreasury = &pinned
			},
			err: ErrTreasuryMismatch,
		},
		{
			name:   "treasury not a token account",
			mutate: func(env *claimEnv) { env.infos[RoleTreasurySource].Owner = types.SystemProgramAddr },
			err:    ErrWrongProgram,
		},
		{
			name:   "uninitialised destination",
			mutate: func(env *claimEnv) { env.infos[RoleUserDestination].Data = make([]byte, token.AccountSize) },
			err:    ErrWrongProgram,
		},
		{
			name: "treasury owned by someone else",
			mutate: func(env *claimEnv) {
				setTokenAccount(env.infos[RoleTreasurySource], func(a *token.Account) { a.Owner = types.Pubkey{0x77} })
			},
			err: ErrOwnershipMismatch,
		},
		{
			name: "destination not owned by requester",
			mutate: func(env *claimEnv) {
				env.cfg.RequireDestinationOwner = true
				setTokenAccount(env.infos[RoleUserDestination], func(a *token.Account) { a.Owner = types.Pubkey{0x77} })
			},
			err: ErrOwnershipMismatch,
		},
		{
			name: "destination of another mint",
			mutate: func(env *claimEnv) {
				setTokenAccount(env.infos[RoleUserDestination], func(a *token.Account) { a.Mint = otherMint })
			},
			err: ErrMintMismatch,
		},
		{
			name:   "unexpected mint",
			mutate: func(env *claimEnv) { env.cfg.ExpectedMint = &otherMint },
			err:    ErrMintMismatch,
		},
		{
			name:   "mint account does not match",
			layout: LayoutWithMint,
			mutate: func(env *claimEnv) { env.infos[RoleMint].Key = otherMint },
			err:    ErrMintMismatch,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newClaimEnv(t, tc.layout, 1_000)
			tc.mutate(env)
			ctx := env.context()

			treasuryBefore := append([]byte(nil), env.infos[RoleTreasurySource].Data...)
			destBefore := append([]byte(nil), env.infos[RoleUserDestination].Data...)

			err := env.program(t).Process(ctx, amountData(10))
			assert.ErrorIs(t, err, tc.err)
			assert.True(t, IsAdmissionError(err))

			code, ok := svm.CustomCode(err)
			require.True(t, ok)
			assert.Equal(t, tc.err.(*svm.ProgramError).Code, code)

			assert.Empty(t, ctx.invoked)
			assert.Equal(t, treasuryBefore, env.infos[RoleTreasurySource].Data)
			assert.Equal(t, destBefore, env.infos[RoleUserDestination].Data)
		})
	}
}

func TestClaim_MintCheckDisabled(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 1_000)
	env.cfg.CheckMint = false

	var a token.Account
	require.True(t, a.Unmarshal(env.infos[RoleUserDestination].Data))
	a.Mint = types.Pubkey{0xbb}
	env.infos[RoleUserDestination].Data = a.Marshal()

	ctx := env.context()
	err := env.program(t).Process(ctx, amountData(10))

	// Admission passes; the token service itself refuses mixed mints.
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.ErrorIs(t, err, token.ErrMintMismatch)
	assert.Len(t, ctx.invoked, 1)
}

func TestClaim_TransferRejected(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 5)
	ctx := env.context()

	err := env.program(t).Process(ctx, amountData(6))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, token.ErrInsufficientFunds, errors.Cause(err))
	assert.False(t, IsAdmissionError(err))

	code, ok := svm.CustomCode(err)
	require.True(t, ok)
	assert.Equal(t, ErrTransferRejected.Code, code)
	assert.Equal(t, "TransferRejected", svm.ErrorName(err))
	assert.EqualValues(t, 5, tokenBalance(t, env.infos[RoleTreasurySource]))
}

func TestClaim_ComputeExhaustionPassesThrough(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 5)
	ctx := env.context()
	ctx.invokeErr = errors.Wrap(svm.ErrComputeExceeded, "invoke")

	err := env.program(t).Process(ctx, amountData(1))
	assert.ErrorIs(t, err, svm.ErrComputeExceeded)
	assert.NotErrorIs(t, err, ErrTransferRejected)
}

func TestClaim_DecodeBeforeAccounts(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 5)
	ctx := env.context()
	ctx.accounts = nil

	assert.Equal(t, ErrTruncatedInstruction, env.program(t).Process(ctx, []byte{1}))
	assert.Equal(t, ErrNotEnoughAccounts, env.program(t).Process(ctx, amountData(1)))
}

func TestClaim_WrongProgramIdentity(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 5)
	ctx := env.context()
	ctx.programID = types.Pubkey{0x99}

	assert.Equal(t, svm.ErrIncorrectProgramID, env.program(t).Process(ctx, amountData(1)))
}

func TestClaim_DerivationExhausted(t *testing.T) {
	defer func(orig func(types.Pubkey, []byte) (pda.Authority, error)) { deriveAuthority = orig }(deriveAuthority)
	deriveAuthority = func(types.Pubkey, []byte) (pda.Authority, error) {
		return pda.Authority{}, errors.Wrap(pda.ErrDerivationExhausted, "derive")
	}

	env := newClaimEnv(t, LayoutMinimal, 5)
	ctx := env.context()

	err := env.program(t).Process(ctx, amountData(1))
	assert.Equal(t, ErrDerivationExhausted, err)
	assert.Equal(t, svm.CUClaimDefault+256*svm.CUCreateProgramAddress, ctx.consumed)
}

func TestNewClaimInstruction(t *testing.T) {
	env := newClaimEnv(t, LayoutWithMint, 0)
	env.cfg.Encoding = EncodingSighash

	ix, err := NewClaimInstruction(&env.cfg, ClaimAccounts{
		Requester:   env.requester,
		Destination: env.destination,
		Treasury:    env.treasury,
		Mint:        &env.mint,
	}, 42)
	require.NoError(t, err)

	assert.Equal(t, testProgramID, ix.ProgramID)
	assert.Equal(t, ClaimDiscriminator[:], ix.Data[:8])

	keys := make([]types.Pubkey, len(ix.Accounts))
	for i, m := range ix.Accounts {
		keys[i] = m.Pubkey
	}
	assert.Equal(t, []types.Pubkey{env.requester, env.destination, env.treasury, env.mint, token.ProgramKey, env.auth.Address}, keys)
	assert.True(t, ix.Accounts[0].IsSigner)
	assert.False(t, ix.Accounts[5].IsSigner)

	_, err = NewClaimInstruction(&env.cfg, ClaimAccounts{Requester: env.requester}, 1)
	assert.Error(t, err)
}

func TestAdmit_ParticipantView(t *testing.T) {
	env := newClaimEnv(t, LayoutMinimal, 10)
	ctx := env.context()

	participants, err := ResolveAccounts(ctx, env.cfg.Layout)
	require.NoError(t, err)
	admitted, err := Admit(&env.cfg, env.auth, participants)
	require.NoError(t, err)

	view := admitted.Accounts(env.cfg.Layout)
	require.Len(t, view, 5)

	assert.Equal(t, RoleTreasurySource, view[0].Role)
	assert.Equal(t, env.treasury, view[0].Address)
	assert.Equal(t, token.ProgramKey, view[0].Program)
	assert.Equal(t, env.auth.Address, *view[0].OwnerAddress)
	assert.Equal(t, env.mint, *view[0].MintAddress)

	assert.Equal(t, RoleRequester, view[4].Role)
	assert.True(t, view[4].IsSigner)
	assert.Nil(t, view[4].OwnerAddress)
}
