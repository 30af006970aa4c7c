// Package runtime is the hosting environment for the custody programs.
//
// It executes transactions against the accounts database:
// - Verifying signatures and structure
// - Locking the accounts a transaction names
// - Dispatching instructions to registered native programs, including
//   cross-program invocations signed with derived-address seeds
// - Committing every account change of a successful transaction at once
//
// A transaction either commits all of its changes or none of them. Failed
// transactions leave the ledger untouched.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Config holds runtime configuration.
type Config struct {
	// SkipSignatureVerification skips ed25519 signature verification.
	// Only meant for simulation.
	SkipSignatureVerification bool

	// DefaultComputeLimit applies when a transaction does not request one.
	DefaultComputeLimit uint64

	// StatusCacheSize bounds the executed signatures kept in memory.
	StatusCacheSize int

	// History, when set, is consulted for signatures executed before the
	// runtime started or evicted from the status cache.
	History StatusHistory

	// OnTransactionComplete is called after every executed transaction,
	// committed or failed. It is not called for simulations.
	OnTransactionComplete func(tx *Transaction, outcome *Outcome)
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		DefaultComputeLimit: svm.CUDefault,
		StatusCacheSize:     DefaultStatusCacheSize,
	}
}

// InstructionError is a program failure at a given instruction.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors causer.
func (e *InstructionError) Cause() error { return e.Err }

// Outcome is the result of executing one transaction.
type Outcome struct {
	Signature types.Signature

	// Slot is the ledger slot the transaction was committed at, or the
	// current slot when nothing was committed.
	Slot uint64

	Result *svm.ExecutionResult

	// DeltaHash commits to the account changes written by the transaction.
	DeltaHash types.Hash

	// Changes are the account records written on commit, or that would have
	// been written for a simulation.
	Changes []accounts.AccountEntry
}

// Runtime executes transactions.
type Runtime struct {
	mu       sync.RWMutex
	programs map[types.Pubkey]svm.Program

	commitMu sync.Mutex
	accounts accounts.DB
	locks    *lockTable
	statuses *statusCache

	config Config
	log    *logrus.Entry
}

// New creates a runtime over db. The compute budget program is always
// registered.
func New(db accounts.DB, config Config, log *logrus.Entry) *Runtime {
	if config.DefaultComputeLimit == 0 {
		config.DefaultComputeLimit = svm.CUDefault
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Runtime{
		programs: make(map[types.Pubkey]svm.Program),
		accounts: db,
		locks:    newLockTable(),
		statuses: newStatusCache(config.StatusCacheSize, config.History),
		config:   config,
		log:      log.WithField("type", "runtime"),
	}
	r.Register(ComputeBudgetProgramID, svm.ProgramFunc(computeBudgetProgram))
	return r
}

// Register installs a native program under id.
func (r *Runtime) Register(id types.Pubkey, program svm.Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[id] = program
	r.log.WithField("program", id.String()).Debug("Registered native program")
}

// Programs lists the registered program IDs in ascending order.
func (r *Runtime) Programs() []types.Pubkey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Pubkey, 0, len(r.programs))
	for id := range r.programs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (r *Runtime) program(id types.Pubkey) (svm.Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	return p, ok
}

// Accounts returns the accounts database.
func (r *Runtime) Accounts() accounts.DB {
	return r.accounts
}

// Slot returns the number of committed transactions.
func (r *Runtime) Slot() uint64 {
	return r.accounts.GetSlot()
}

// Execute runs tx and commits its changes if every instruction succeeds.
// Malformed or badly signed transactions are rejected with an error and never
// run; program failures are reported in the outcome. A signature executes at
// most once: resubmissions fail with ErrAlreadyProcessed.
func (r *Runtime) Execute(ctx context.Context, tx *Transaction) (*Outcome, error) {
	outcome, err := r.process(ctx, tx, !r.config.SkipSignatureVerification, true)
	if err != nil {
		return nil, err
	}
	if r.config.OnTransactionComplete != nil {
		r.config.OnTransactionComplete(tx, outcome)
	}
	return outcome, nil
}

// Simulate runs tx without committing. Signatures are checked only when
// verifySignatures is set, in which case an already executed transaction is
// refused as Execute would.
func (r *Runtime) Simulate(ctx context.Context, tx *Transaction, verifySignatures bool) (*Outcome, error) {
	return r.process(ctx, tx, verifySignatures, false)
}

func (r *Runtime) process(ctx context.Context, tx *Transaction, verify, commit bool) (*Outcome, error) {
	if err := tx.Sanitize(); err != nil {
		return nil, err
	}
	if verify {
		if err := tx.VerifySignatures(); err != nil {
			return nil, err
		}
	}

	sig := tx.Signature()
	switch {
	case commit:
		if err := r.statuses.reserve(sig); err != nil {
			return nil, err
		}
		executed := false
		defer func() { r.statuses.finish(sig, executed) }()
		outcome, err := r.execute(ctx, tx, verify, true)
		executed = err == nil
		return outcome, err
	case verify && r.statuses.processed(sig):
		return nil, ErrAlreadyProcessed
	}
	return r.execute(ctx, tx, verify, false)
}

// execute runs a sanitized transaction, committing when asked.
func (r *Runtime) execute(ctx context.Context, tx *Transaction, verify, commit bool) (*Outcome, error) {
	limit, err := computeLimit(&tx.Message, r.config.DefaultComputeLimit)
	if err != nil {
		return nil, err
	}
	state := &execState{rt: r, meter: svm.NewComputeMeter(limit)}
	if verify {
		for range tx.Signatures {
			if err := state.meter.Consume(svm.CUSignatureVerify); err != nil {
				return nil, err
			}
		}
	}

	locks := messageLocks(&tx.Message)
	if err := r.locks.acquire(ctx, locks); err != nil {
		return nil, errors.Wrap(err, "failed to lock accounts")
	}
	defer r.locks.release(locks)

	infos, originals, err := r.loadAccounts(&tx.Message)
	if err != nil {
		return nil, err
	}

	result := &svm.ExecutionResult{InstructionIndex: -1}
	for i := range tx.Message.Instructions {
		if err := r.executeInstruction(state, &tx.Message, i, infos); err != nil {
			result.Err = &InstructionError{Index: i, Err: err}
			result.InstructionIndex = i
			break
		}
	}
	result.Logs = state.logs
	result.ComputeUnitsConsumed = state.meter.Consumed()

	outcome := &Outcome{Signature: tx.Signature(), Result: result}
	logger := r.log.WithFields(logrus.Fields{
		"signature": outcome.Signature.String(),
		"cu":        result.ComputeUnitsConsumed,
	})

	if result.Err != nil {
		outcome.Slot = r.accounts.GetSlot()
		logger.WithError(result.Err).Debug("Transaction failed")
		return outcome, nil
	}

	result.Success = true
	outcome.Changes = changedAccounts(&tx.Message, infos, originals)
	for _, e := range outcome.Changes {
		result.ModifiedAccounts = append(result.ModifiedAccounts, e.Pubkey)
	}
	outcome.DeltaHash = accounts.ComputeDeltaHash(outcome.Changes)

	if !commit {
		outcome.Slot = r.accounts.GetSlot()
		return outcome, nil
	}

	slot, err := r.commit(outcome.Changes)
	if err != nil {
		return nil, err
	}
	outcome.Slot = slot
	logger.WithFields(logrus.Fields{
		"slot":     slot,
		"modified": len(outcome.Changes),
	}).Debug("Transaction committed")
	return outcome, nil
}

// loadAccounts builds one view per message account. Missing accounts load as
// empty system accounts.
func (r *Runtime) loadAccounts(m *Message) ([]*svm.AccountInfo, []*accounts.Account, error) {
	infos := make([]*svm.AccountInfo, len(m.AccountKeys))
	originals := make([]*accounts.Account, len(m.AccountKeys))

	for i, key := range m.AccountKeys {
		acct, err := r.accounts.GetAccount(key)
		if err != nil {
			if !errors.Is(err, accounts.ErrAccountNotFound) {
				return nil, nil, errors.Wrapf(err, "failed to load account %s", key)
			}
			acct = &accounts.Account{Owner: types.SystemProgramAddr}
		}
		originals[i] = acct.Clone()

		infos[i] = &svm.AccountInfo{
			Key:        key,
			Owner:      acct.Owner,
			Lamports:   acct.Lamports,
			Data:       append([]byte(nil), acct.Data...),
			Executable: acct.Executable,
			RentEpoch:  acct.RentEpoch,
			IsSigner:   m.IsSigner(i),
			IsWritable: m.IsWritable(i),
		}
	}
	return infos, originals, nil
}

func (r *Runtime) executeInstruction(state *execState, m *Message, index int, infos []*svm.AccountInfo) error {
	cix := &m.Instructions[index]
	programID := m.AccountKeys[cix.ProgramIDIndex]

	program, ok := r.program(programID)
	if !ok {
		return errors.Wrapf(ErrProgramNotFound, "%s", programID)
	}

	ctx := &invokeContext{
		state:     state,
		programID: programID,
		accounts:  make([]*svm.AccountInfo, len(cix.AccountIndexes)),
		depth:     1,
	}
	for i, idx := range cix.AccountIndexes {
		ctx.accounts[i] = infos[idx]
	}
	return r.run(ctx, program, cix.Data)
}

func changedAccounts(m *Message, infos []*svm.AccountInfo, originals []*accounts.Account) []accounts.AccountEntry {
	var out []accounts.AccountEntry
	for i, info := range infos {
		if !m.IsWritable(i) {
			continue
		}
		post := &accounts.Account{
			Lamports:   info.Lamports,
			Data:       info.Data,
			Owner:      info.Owner,
			Executable: info.Executable,
			RentEpoch:  info.RentEpoch,
		}
		pre := originals[i]
		if pre.Lamports == post.Lamports && pre.Owner == post.Owner && string(pre.Data) == string(post.Data) {
			continue
		}
		out = append(out, accounts.AccountEntry{Pubkey: info.Key, Account: post})
	}
	return out
}

// commit writes changes in one batch and advances the slot.
func (r *Runtime) commit(changes []accounts.AccountEntry) (uint64, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := r.accounts.Apply(changes); err != nil {
		return 0, errors.Wrap(err, "failed to apply account changes")
	}
	slot := r.accounts.GetSlot() + 1
	if err := r.accounts.SetSlot(slot); err != nil {
		return 0, errors.Wrap(err, "failed to advance slot")
	}
	return slot, nil
}
