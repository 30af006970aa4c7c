package runtime

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/pda"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// Invocation limits.
const (
	MaxInvokeDepth       = 4
	MaxInvokeSignerSeeds = 16
	MaxInvokeDataSize    = 10 * 1024
)

var (
	ErrProgramNotFound             = errors.New("program not found")
	ErrCallDepth                   = errors.New("cross-program invocation call depth too deep")
	ErrPrivilegeEscalation         = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrMissingAccount              = errors.New("account required by the instruction is missing")
	ErrInvalidSeeds                = errors.New("provided seeds do not result in a valid address")
	ErrReadonlyDataModified        = errors.New("instruction modified data of a read-only account")
	ErrExternalAccountDataChanged  = errors.New("instruction modified data of an account it does not own")
	ErrReadonlyLamportChange       = errors.New("instruction changed the balance of a read-only account")
	ErrExternalAccountLamportSpend = errors.New("instruction spent from the balance of an account it does not own")
	ErrUnbalancedInstruction       = errors.New("sum of account balances before and after instruction do not match")
	ErrInstructionDataTooLarge     = errors.New("invoked instruction data too large")
)

// execState is the working set of one transaction.
type execState struct {
	rt    *Runtime
	meter *svm.ComputeMeter
	logs  []string
}

func (s *execState) log(msg string) {
	s.logs = append(s.logs, msg)
}

// invokeContext is the svm.InvokeContext handed to a program for one
// instruction, top level or invoked.
type invokeContext struct {
	state     *execState
	programID types.Pubkey
	accounts  []*svm.AccountInfo
	depth     int

	// before holds the account images the program's own changes are checked
	// against. It is refreshed after every successful invocation.
	before map[types.Pubkey]accountImage
}

func (c *invokeContext) ProgramID() types.Pubkey { return c.programID }

func (c *invokeContext) NumAccounts() int { return len(c.accounts) }

func (c *invokeContext) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(c.accounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	return c.accounts[index], nil
}

func (c *invokeContext) ConsumeCU(cost uint64) error { return c.state.meter.Consume(cost) }

func (c *invokeContext) StackHeight() int { return c.depth }

func (c *invokeContext) Log(msg string) { c.state.log("Program log: " + msg) }

// InvokeSigned runs ix against copies of the caller's accounts. Signer seeds
// are re-derived under the caller's program ID and the resulting addresses
// count as signers. The copies replace the caller's views only if the callee
// succeeds.
func (c *invokeContext) InvokeSigned(ix svm.Instruction, signerSeeds ...[][]byte) error {
	if c.depth >= MaxInvokeDepth {
		return ErrCallDepth
	}
	if len(ix.Data) > MaxInvokeDataSize {
		return ErrInstructionDataTooLarge
	}
	if len(signerSeeds) > MaxInvokeSignerSeeds {
		return errors.Wrap(ErrInvalidSeeds, "too many signers")
	}
	if err := c.ConsumeCU(svm.CUInvokeBase + svm.CUInvokePerAccount*uint64(len(ix.Accounts))); err != nil {
		return err
	}
	if err := verifyChanges(c.programID, c.accounts, c.before); err != nil {
		return err
	}

	program, ok := c.state.rt.program(ix.ProgramID)
	if !ok {
		return errors.Wrapf(ErrProgramNotFound, "%s", ix.ProgramID)
	}
	if c.find(ix.ProgramID) == nil {
		return errors.Wrapf(ErrMissingAccount, "program %s", ix.ProgramID)
	}

	pdaSigners := make(map[types.Pubkey]struct{}, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, c.programID)
		if err != nil {
			return errors.Wrap(ErrInvalidSeeds, err.Error())
		}
		pdaSigners[addr] = struct{}{}
	}

	views := make(map[types.Pubkey]*svm.AccountInfo, len(ix.Accounts))
	callee := &invokeContext{
		state:     c.state,
		programID: ix.ProgramID,
		accounts:  make([]*svm.AccountInfo, 0, len(ix.Accounts)),
		depth:     c.depth + 1,
	}
	for _, meta := range ix.Accounts {
		caller := c.find(meta.Pubkey)
		if caller == nil {
			return errors.Wrapf(ErrMissingAccount, "%s", meta.Pubkey)
		}
		if meta.IsWritable && !caller.IsWritable {
			return errors.Wrapf(ErrPrivilegeEscalation, "%s is not writable", meta.Pubkey)
		}
		_, isPDA := pdaSigners[meta.Pubkey]
		if meta.IsSigner && !caller.IsSigner && !isPDA {
			return errors.Wrapf(ErrPrivilegeEscalation, "%s did not sign", meta.Pubkey)
		}

		view, ok := views[meta.Pubkey]
		if !ok {
			v := *caller
			v.Data = append([]byte(nil), caller.Data...)
			v.IsSigner = false
			v.IsWritable = false
			view = &v
			views[meta.Pubkey] = view
		}
		view.IsSigner = view.IsSigner || meta.IsSigner
		view.IsWritable = view.IsWritable || meta.IsWritable
		callee.accounts = append(callee.accounts, view)
	}

	if err := c.state.rt.run(callee, program, ix.Data); err != nil {
		return err
	}

	for key, view := range views {
		caller := c.find(key)
		caller.Owner = view.Owner
		caller.Lamports = view.Lamports
		caller.Data = view.Data
	}
	c.before = imagesOf(c.accounts)
	return nil
}

func (c *invokeContext) find(key types.Pubkey) *svm.AccountInfo {
	for _, info := range c.accounts {
		if info.Key == key {
			return info
		}
	}
	return nil
}

type accountImage struct {
	owner    types.Pubkey
	lamports uint64
	data     []byte
}

func imagesOf(infos []*svm.AccountInfo) map[types.Pubkey]accountImage {
	out := make(map[types.Pubkey]accountImage, len(infos))
	for _, info := range infos {
		out[info.Key] = accountImage{
			owner:    info.Owner,
			lamports: info.Lamports,
			data:     append([]byte(nil), info.Data...),
		}
	}
	return out
}

// verifyChanges enforces the write rules on a finished instruction. Read-only
// accounts are untouched, only the owning program changes data or debits
// lamports, and lamports are neither created nor destroyed.
func verifyChanges(programID types.Pubkey, infos []*svm.AccountInfo, before map[types.Pubkey]accountImage) error {
	var preTotal, postTotal uint64
	for _, info := range infos {
		pre := before[info.Key]
		preTotal += pre.lamports
		postTotal += info.Lamports
		dataChanged := !bytes.Equal(pre.data, info.Data)
		if !info.IsWritable {
			if dataChanged || pre.owner != info.Owner {
				return errors.Wrapf(ErrReadonlyDataModified, "%s", info.Key)
			}
			if pre.lamports != info.Lamports {
				return errors.Wrapf(ErrReadonlyLamportChange, "%s", info.Key)
			}
			continue
		}
		if dataChanged && pre.owner != programID {
			return errors.Wrapf(ErrExternalAccountDataChanged, "%s", info.Key)
		}
		if info.Lamports < pre.lamports && pre.owner != programID {
			return errors.Wrapf(ErrExternalAccountLamportSpend, "%s", info.Key)
		}
	}
	if preTotal != postTotal {
		return errors.Wrapf(ErrUnbalancedInstruction, "%d before, %d after", preTotal, postTotal)
	}
	return nil
}

// run executes one program invocation with the cluster's log framing.
func (r *Runtime) run(ctx *invokeContext, program svm.Program, data []byte) error {
	s := ctx.state
	s.log(fmt.Sprintf("Program %s invoke [%d]", ctx.programID, ctx.depth))

	ctx.before = imagesOf(ctx.accounts)
	err := program.Process(ctx, data)
	if err == nil {
		err = verifyChanges(ctx.programID, ctx.accounts, ctx.before)
	}
	if err != nil {
		s.log(fmt.Sprintf("Program %s failed: %v", ctx.programID, err))
		return err
	}
	s.log(fmt.Sprintf("Program %s success", ctx.programID))
	return nil
}
