package runtime

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

// ComputeBudgetProgramID is the compute budget program.
var ComputeBudgetProgramID = types.ComputeBudgetProgramAddr

// Compute budget instruction discriminators.
const (
	budgetRequestHeapFrame       = 1
	budgetSetComputeUnitLimit    = 2
	budgetSetComputeUnitPrice    = 3
	budgetSetLoadedAccountsLimit = 4
)

// SetComputeUnitLimit builds a compute budget instruction raising or lowering
// the transaction's compute limit.
func SetComputeUnitLimit(units uint32) svm.Instruction {
	data := make([]byte, 5)
	data[0] = budgetSetComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return svm.NewInstruction(ComputeBudgetProgramID, data)
}

// computeLimit scans the message for a compute budget limit request. Requests
// are applied before any instruction runs, as the cluster does.
func computeLimit(m *Message, def uint64) (uint64, error) {
	limit := def
	seen := false
	for _, ix := range m.Instructions {
		if m.AccountKeys[ix.ProgramIDIndex] != ComputeBudgetProgramID {
			continue
		}
		if len(ix.Data) == 5 && ix.Data[0] == budgetSetComputeUnitLimit {
			if seen {
				return 0, errors.Wrap(ErrInvalidTransaction, "duplicate compute unit limit")
			}
			seen = true
			limit = uint64(binary.LittleEndian.Uint32(ix.Data[1:]))
		}
	}
	if limit == 0 {
		return 0, svm.ErrComputeInvalidLimit
	}
	if limit > svm.CUMax {
		limit = svm.CUMax
	}
	return limit, nil
}

// computeBudgetProgram validates compute budget instructions at execution
// time. Their effect was already applied by computeLimit.
func computeBudgetProgram(ctx svm.InvokeContext, data []byte) error {
	if err := ctx.ConsumeCU(svm.CUComputeBudgetBase); err != nil {
		return err
	}
	if len(data) == 0 {
		return svm.ErrInvalidInstructionData
	}
	switch data[0] {
	case budgetRequestHeapFrame, budgetSetComputeUnitLimit, budgetSetLoadedAccountsLimit:
		if len(data) != 5 {
			return svm.ErrInvalidInstructionData
		}
	case budgetSetComputeUnitPrice:
		if len(data) != 9 {
			return svm.ErrInvalidInstructionData
		}
	default:
		return svm.ErrInvalidInstructionData
	}
	return nil
}
