package runtime

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/svm"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
	"github.com/fortiblox/x1-custody/pkg/token"
)

var claimProgramID = types.MustPubkeyFromBase58("AzjaVGh81f1jZtZvouZ4pccaRoPvCcB87Vu2fRDWV5et")

type ledger struct {
	rt          *Runtime
	db          *accounts.MemoryDB
	cfg         claim.Config
	requester   *types.Keypair
	mint        types.Pubkey
	treasury    types.Pubkey
	destination types.Pubkey

	// blockhash varies per signed transaction so signatures never repeat.
	blockhash byte
}

func newLedger(t *testing.T, treasuryBalance uint64) *ledger {
	t.Helper()

	requester, err := types.KeypairFromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	l := &ledger{
		db:          accounts.NewMemoryDB(),
		requester:   requester,
		mint:        types.Pubkey{0xaa},
		treasury:    types.Pubkey{0xbb},
		destination: types.Pubkey{0xcc},
		cfg: claim.Config{
			ProgramID:      claimProgramID,
			SeedLabel:      []byte("treasury"),
			Encoding:       claim.EncodingFixed,
			Layout:         claim.LayoutMinimal,
			TokenProgramID: token.ProgramKey,
			CheckMint:      true,
		},
	}

	auth, err := l.cfg.Authority()
	require.NoError(t, err)

	require.NoError(t, l.db.SetAccount(l.mint, token.NewMintRecord(6, treasuryBalance, nil)))
	require.NoError(t, l.db.SetAccount(l.treasury, token.NewAccountRecord(l.mint, auth.Address, treasuryBalance)))
	require.NoError(t, l.db.SetAccount(l.destination, token.NewAccountRecord(l.mint, requester.Public, 0)))
	require.NoError(t, l.db.SetAccount(requester.Public, &accounts.Account{Lamports: 1_000_000_000}))

	program, err := claim.NewProgram(l.cfg)
	require.NoError(t, err)

	l.rt = New(l.db, DefaultConfig(), nil)
	l.rt.Register(token.ProgramKey, token.NewProcessor())
	l.rt.Register(claimProgramID, program)
	return l
}

func (l *ledger) claimIx(t *testing.T, amount uint64) svm.Instruction {
	t.Helper()
	ix, err := claim.NewClaimInstruction(&l.cfg, claim.ClaimAccounts{
		Requester:   l.requester.Public,
		Destination: l.destination,
		Treasury:    l.treasury,
	}, amount)
	require.NoError(t, err)
	return ix
}

func (l *ledger) signed(t *testing.T, ixs ...svm.Instruction) *Transaction {
	t.Helper()
	l.blockhash++
	tx, err := NewTransaction(l.requester.Public, types.Hash{l.blockhash}, ixs...)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(l.requester))
	return tx
}

func (l *ledger) balance(t *testing.T, addr types.Pubkey) uint64 {
	t.Helper()
	a, err := token.GetAccount(l.db, addr)
	require.NoError(t, err)
	return a.Amount
}

func TestExecute_Claim(t *testing.T) {
	l := newLedger(t, 1_000)

	var hooked *Outcome
	l.rt.config.OnTransactionComplete = func(_ *Transaction, o *Outcome) { hooked = o }

	outcome, err := l.rt.Execute(context.Background(), l.signed(t, l.claimIx(t, 250)))
	require.NoError(t, err)
	require.True(t, outcome.Result.Success, outcome.Result.ErrorMessage())

	assert.EqualValues(t, 750, l.balance(t, l.treasury))
	assert.EqualValues(t, 250, l.balance(t, l.destination))
	assert.EqualValues(t, 1, outcome.Slot)
	assert.EqualValues(t, 1, l.rt.Slot())
	assert.ElementsMatch(t, []types.Pubkey{l.treasury, l.destination}, outcome.Result.ModifiedAccounts)
	assert.Equal(t, accounts.ComputeDeltaHash(outcome.Changes), outcome.DeltaHash)
	assert.False(t, outcome.DeltaHash.IsZero())
	assert.Contains(t, outcome.Result.Logs, "Program log: Transferred 250 tokens to "+l.destination.String())
	assert.Contains(t, outcome.Result.Logs, "Program "+token.ProgramKey.String()+" invoke [2]")
	assert.Same(t, outcome, hooked)
	assert.NotZero(t, outcome.Result.ComputeUnitsConsumed)
}

func TestExecute_AtomicRollback(t *testing.T) {
	l := newLedger(t, 100)

	tx := l.signed(t, l.claimIx(t, 60), l.claimIx(t, 60))
	outcome, err := l.rt.Execute(context.Background(), tx)
	require.NoError(t, err)

	require.False(t, outcome.Result.Success)
	assert.Equal(t, 1, outcome.Result.InstructionIndex)
	assert.ErrorIs(t, outcome.Result.Err, claim.ErrTransferRejected)
	assert.ErrorIs(t, outcome.Result.Err, token.ErrInsufficientFunds)

	code, ok := svm.CustomCode(outcome.Result.Err)
	require.True(t, ok)
	assert.Equal(t, svm.CustomError(6009), code)

	assert.EqualValues(t, 100, l.balance(t, l.treasury))
	assert.EqualValues(t, 0, l.balance(t, l.destination))
	assert.EqualValues(t, 0, l.rt.Slot())
	assert.Empty(t, outcome.Changes)
}

func TestExecute_AdmissionFailureLeavesLedger(t *testing.T) {
	l := newLedger(t, 100)

	ix := l.claimIx(t, 10)
	ix.Accounts[2].Pubkey = types.Pubkey{0x99} // authority slot in the minimal layout

	outcome, err := l.rt.Execute(context.Background(), l.signed(t, ix))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, claim.ErrAuthorityMismatch)
	assert.EqualValues(t, 100, l.balance(t, l.treasury))
}

func TestExecute_Signatures(t *testing.T) {
	l := newLedger(t, 100)

	tx := l.signed(t, l.claimIx(t, 1))
	tx.Signatures[0][0] ^= 0xff
	_, err := l.rt.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrSignatureFailure)

	other, err := types.NewKeypair()
	require.NoError(t, err)
	unsigned, err := NewTransaction(l.requester.Public, types.Hash{}, l.claimIx(t, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, unsigned.Sign(other), ErrMissingSigner)

	// Simulation may skip verification.
	outcome, err := l.rt.Simulate(context.Background(), unsigned, false)
	require.NoError(t, err)
	assert.True(t, outcome.Result.Success)
	assert.EqualValues(t, 100, l.balance(t, l.treasury))
	assert.Len(t, outcome.Changes, 2)
	assert.EqualValues(t, 0, l.rt.Slot())
}

func TestExecute_ComputeLimit(t *testing.T) {
	l := newLedger(t, 100)

	outcome, err := l.rt.Execute(context.Background(), l.signed(t, SetComputeUnitLimit(3_000), l.claimIx(t, 1)))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, svm.ErrComputeExceeded)
	assert.EqualValues(t, 3_000, outcome.Result.ComputeUnitsConsumed)

	outcome, err = l.rt.Execute(context.Background(), l.signed(t, SetComputeUnitLimit(400_000), l.claimIx(t, 1)))
	require.NoError(t, err)
	assert.True(t, outcome.Result.Success, outcome.Result.ErrorMessage())
}

func TestExecute_ProgramNotFound(t *testing.T) {
	l := newLedger(t, 100)

	ix := svm.NewInstruction(types.Pubkey{0x42}, nil)
	outcome, err := l.rt.Execute(context.Background(), l.signed(t, ix))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrProgramNotFound)
}

func TestInvoke_PrivilegeEscalation(t *testing.T) {
	l := newLedger(t, 100)
	auth, err := l.cfg.Authority()
	require.NoError(t, err)

	thief := types.Pubkey{0x66}
	for name, seeds := range map[string][][][]byte{
		"no seeds":    nil,
		"wrong seeds": {{[]byte("treasury"), {auth.Bump - 1}}},
	} {
		t.Run(name, func(t *testing.T) {
			l.rt.Register(thief, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
				return ctx.InvokeSigned(token.Transfer(l.treasury, l.destination, auth.Address, 1), seeds...)
			}))

			ix := svm.NewInstruction(thief, nil,
				svm.NewAccountMeta(l.treasury, false),
				svm.NewAccountMeta(l.destination, false),
				svm.NewReadonlyAccountMeta(auth.Address, false),
				svm.NewReadonlyAccountMeta(token.ProgramKey, false),
			)
			outcome, err := l.rt.Execute(context.Background(), l.signed(t, ix))
			require.NoError(t, err)
			require.Error(t, outcome.Result.Err)
			assert.True(t,
				errors.Is(outcome.Result.Err, ErrPrivilegeEscalation) || errors.Is(outcome.Result.Err, ErrInvalidSeeds),
				outcome.Result.ErrorMessage())
			assert.EqualValues(t, 100, l.balance(t, l.treasury))
		})
	}
}

func TestInvoke_WriteRules(t *testing.T) {
	l := newLedger(t, 100)
	scribble := types.Pubkey{0x77}
	l.rt.Register(scribble, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		info, err := ctx.GetAccount(0)
		if err != nil {
			return err
		}
		info.Data = append([]byte(nil), info.Data...)
		info.Data[0] ^= 1
		return nil
	}))

	outcome, err := l.rt.Execute(context.Background(), l.signed(t, svm.NewInstruction(scribble, nil, svm.NewReadonlyAccountMeta(l.treasury, false))))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrReadonlyDataModified)

	outcome, err = l.rt.Execute(context.Background(), l.signed(t, svm.NewInstruction(scribble, nil, svm.NewAccountMeta(l.treasury, false))))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrExternalAccountDataChanged)

	assert.EqualValues(t, 100, l.balance(t, l.treasury))
}

func TestInvoke_LamportRules(t *testing.T) {
	l := newLedger(t, 100)
	mover := types.Pubkey{0x79}
	vault := types.Pubkey{0x7a}
	require.NoError(t, l.db.SetAccount(vault, &accounts.Account{Lamports: 10, Owner: mover}))

	// move debits account 0 and credits account 1.
	move := func(debit, credit uint64) svm.Program {
		return svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
			from, err := ctx.GetAccount(0)
			if err != nil {
				return err
			}
			to, err := ctx.GetAccount(1)
			if err != nil {
				return err
			}
			from.Lamports -= debit
			to.Lamports += credit
			return nil
		})
	}
	lamports := func(addr types.Pubkey) uint64 {
		a, err := l.db.GetAccount(addr)
		require.NoError(t, err)
		return a.Lamports
	}
	moveIx := func(from, to types.Pubkey) svm.Instruction {
		return svm.NewInstruction(mover, nil, svm.NewAccountMeta(from, false), svm.NewAccountMeta(to, false))
	}
	treasuryLamports := lamports(l.treasury)

	l.rt.Register(mover, move(1, 1))
	outcome, err := l.rt.Execute(context.Background(), l.signed(t, moveIx(l.treasury, l.destination)))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrExternalAccountLamportSpend)
	assert.Equal(t, treasuryLamports, lamports(l.treasury))

	l.rt.Register(mover, move(0, 1))
	outcome, err = l.rt.Execute(context.Background(), l.signed(t, moveIx(vault, l.destination)))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrUnbalancedInstruction)

	l.rt.Register(mover, move(2, 1))
	outcome, err = l.rt.Execute(context.Background(), l.signed(t, moveIx(vault, l.destination)))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrUnbalancedInstruction)
	assert.EqualValues(t, 10, lamports(vault))

	l.rt.Register(mover, move(4, 4))
	outcome, err = l.rt.Execute(context.Background(), l.signed(t, moveIx(vault, l.destination)))
	require.NoError(t, err)
	require.NoError(t, outcome.Result.Err)
	assert.EqualValues(t, 6, lamports(vault))
	assert.Equal(t, treasuryLamports+4, lamports(l.destination))
}

func TestInvoke_CallDepth(t *testing.T) {
	l := newLedger(t, 100)
	loop := types.Pubkey{0x88}
	l.rt.Register(loop, svm.ProgramFunc(func(ctx svm.InvokeContext, _ []byte) error {
		return ctx.InvokeSigned(svm.NewInstruction(loop, nil, svm.NewReadonlyAccountMeta(loop, false)))
	}))

	outcome, err := l.rt.Execute(context.Background(), l.signed(t, svm.NewInstruction(loop, nil, svm.NewReadonlyAccountMeta(loop, false))))
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Result.Err, ErrCallDepth)
	assert.Contains(t, outcome.Result.Logs, "Program "+loop.String()+" invoke [4]")
}

func TestTransaction_WireFormat(t *testing.T) {
	l := newLedger(t, 0)
	tx := l.signed(t, SetComputeUnitLimit(10_000), l.claimIx(t, 5))

	decoded, err := DeserializeTransaction(tx.Serialize())
	require.NoError(t, err)
	assert.Equal(t, tx.Signatures, decoded.Signatures)
	assert.Equal(t, tx.Serialize(), decoded.Serialize())
	require.NoError(t, decoded.VerifySignatures())

	assert.Equal(t, l.requester.Public, decoded.Message.AccountKeys[0])
	assert.True(t, decoded.Message.IsWritable(0))
	assert.True(t, decoded.Message.IsSigner(0))

	_, err = DeserializeTransaction(append(tx.Serialize(), 0))
	assert.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = DeserializeTransaction(tx.Serialize()[:40])
	assert.ErrorIs(t, err, ErrInvalidTransaction)
	_, err = DeserializeTransaction(make([]byte, PacketDataSize+1))
	assert.ErrorIs(t, err, ErrTransactionTooLarge)
}

func TestMessage_Hash(t *testing.T) {
	l := newLedger(t, 0)
	build := func(amount uint64) *Transaction {
		tx, err := NewTransaction(l.requester.Public, types.Hash{1}, l.claimIx(t, amount))
		require.NoError(t, err)
		require.NoError(t, tx.Sign(l.requester))
		return tx
	}
	a, b, c := build(5), build(5), build(6)

	assert.Equal(t, a.Message.Hash(), b.Message.Hash())
	assert.NotEqual(t, a.Message.Hash(), c.Message.Hash())
	assert.False(t, a.Message.Hash().IsZero())

	// Signatures are not part of the message.
	b.Signatures[0] = types.Signature{}
	assert.Equal(t, a.Message.Hash(), b.Message.Hash())
}

func TestTransaction_Sanitize(t *testing.T) {
	l := newLedger(t, 0)

	tx := l.signed(t, l.claimIx(t, 5))
	tx.Message.Instructions[0].AccountIndexes[0] = 200
	assert.ErrorIs(t, tx.Sanitize(), ErrInvalidAccountIndex)

	tx = l.signed(t, l.claimIx(t, 5))
	tx.Signatures = nil
	assert.ErrorIs(t, tx.Sanitize(), ErrInvalidTransaction)

	tx = l.signed(t, l.claimIx(t, 5))
	tx.Message.AccountKeys[1] = tx.Message.AccountKeys[2]
	assert.ErrorIs(t, tx.Sanitize(), ErrDuplicateAccountKeys)
}

func TestLockTable(t *testing.T) {
	table := newLockTable()
	a, b := types.Pubkey{1}, types.Pubkey{2}

	writeA := accountLocks{writable: []types.Pubkey{a}}
	readA := accountLocks{readonly: []types.Pubkey{a}}
	writeB := accountLocks{writable: []types.Pubkey{b}}

	require.NoError(t, table.acquire(context.Background(), writeA))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, table.acquire(ctx, readA), context.DeadlineExceeded)

	// Disjoint sets proceed.
	require.NoError(t, table.acquire(context.Background(), writeB))
	table.release(writeB)

	acquired := make(chan struct{})
	go func() {
		_ = table.acquire(context.Background(), readA)
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("read lock acquired while write lock held")
	case <-time.After(10 * time.Millisecond):
	}

	table.release(writeA)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("read lock not acquired after release")
	}

	// Readers share.
	require.NoError(t, table.acquire(context.Background(), readA))
	table.release(readA)
	table.release(readA)
	require.NoError(t, table.acquire(context.Background(), writeA))
}

func TestExecute_ConcurrentClaimsSerialise(t *testing.T) {
	l := newLedger(t, 1_000)

	const n = 20
	txs := make([]*Transaction, n)
	for i := range txs {
		// Distinct blockhashes give distinct signatures.
		tx, err := NewTransaction(l.requester.Public, types.Hash{byte(i)}, l.claimIx(t, 10))
		require.NoError(t, err)
		require.NoError(t, tx.Sign(l.requester))
		txs[i] = tx
	}

	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(1)
		go func(tx *Transaction) {
			defer wg.Done()
			outcome, err := l.rt.Execute(context.Background(), tx)
			assert.NoError(t, err)
			assert.True(t, outcome.Result.Success)
		}(tx)
	}
	wg.Wait()

	assert.EqualValues(t, 1_000-n*10, l.balance(t, l.treasury))
	assert.EqualValues(t, n*10, l.balance(t, l.destination))
	assert.EqualValues(t, n, l.rt.Slot())
}

func TestExecute_ReplayRejected(t *testing.T) {
	l := newLedger(t, 1_000)

	tx := l.signed(t, l.claimIx(t, 100))
	outcome, err := l.rt.Execute(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, outcome.Result.Success, outcome.Result.ErrorMessage())

	for i := 0; i < 3; i++ {
		_, err = l.rt.Execute(context.Background(), tx)
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	}
	assert.EqualValues(t, 900, l.balance(t, l.treasury))
	assert.EqualValues(t, 100, l.balance(t, l.destination))
	assert.EqualValues(t, 1, l.rt.Slot())

	// Preflight refuses it too; an unverified simulation does not look.
	_, err = l.rt.Simulate(context.Background(), tx, true)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	_, err = l.rt.Simulate(context.Background(), tx, false)
	assert.NoError(t, err)

	// A failed transaction is spent as well.
	failed := l.signed(t, l.claimIx(t, 5_000))
	outcome, err = l.rt.Execute(context.Background(), failed)
	require.NoError(t, err)
	require.False(t, outcome.Result.Success)
	_, err = l.rt.Execute(context.Background(), failed)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestExecute_ConcurrentDuplicatesRunOnce(t *testing.T) {
	l := newLedger(t, 1_000)
	tx := l.signed(t, l.claimIx(t, 100))

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		refused  int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outcome, err := l.rt.Execute(context.Background(), tx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome.Result.Success:
				accepted++
			case errors.Is(err, ErrAlreadyProcessed):
				refused++
			default:
				t.Errorf("unexpected result: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, n-1, refused)
	assert.EqualValues(t, 900, l.balance(t, l.treasury))
	assert.EqualValues(t, 1, l.rt.Slot())
}

func TestExecute_UnexecutedReservationReleased(t *testing.T) {
	l := newLedger(t, 1_000)
	tx := l.signed(t, l.claimIx(t, 100))

	held := accountLocks{writable: []types.Pubkey{l.treasury}}
	require.NoError(t, l.rt.locks.acquire(context.Background(), held))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.rt.Execute(ctx, tx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	l.rt.locks.release(held)

	// It never ran, so it may be retried.
	outcome, err := l.rt.Execute(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, outcome.Result.Success)
	assert.EqualValues(t, 900, l.balance(t, l.treasury))
}

type historySet map[types.Signature]bool

func (h historySet) Has(sig types.Signature) bool { return h[sig] }

func TestExecute_HistoryConsulted(t *testing.T) {
	l := newLedger(t, 1_000)
	tx := l.signed(t, l.claimIx(t, 100))

	config := DefaultConfig()
	config.History = historySet{tx.Signature(): true}
	rt := New(l.db, config, nil)
	rt.Register(token.ProgramKey, token.NewProcessor())
	program, err := claim.NewProgram(l.cfg)
	require.NoError(t, err)
	rt.Register(claimProgramID, program)

	_, err = rt.Execute(context.Background(), tx)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.EqualValues(t, 1_000, l.balance(t, l.treasury))
}

func TestStatusCache_Eviction(t *testing.T) {
	history := historySet{}
	cache := newStatusCache(2, history)
	a, b, c := types.Signature{1}, types.Signature{2}, types.Signature{3}

	for _, sig := range []types.Signature{a, b, c} {
		require.NoError(t, cache.reserve(sig))
		assert.ErrorIs(t, cache.reserve(sig), ErrAlreadyProcessed)
		cache.finish(sig, true)
		history[sig] = sig != a
	}

	assert.Equal(t, 2, cache.size())
	assert.False(t, cache.processed(a))
	assert.True(t, cache.processed(b))
	assert.True(t, cache.processed(c))

	// Abandoned reservations leave nothing behind.
	d := types.Signature{4}
	require.NoError(t, cache.reserve(d))
	cache.finish(d, false)
	assert.False(t, cache.processed(d))
}
