// Package journal keeps a persistent record of executed transactions.
//
// Every transaction the runtime executes, committed or failed, is journaled
// with its logs, compute usage and the accounts it wrote. The journal answers:
// - Record lookup by signature
// - Status lookup for a batch of signatures
// - Address-to-signature history, newest first
//
// The journal uses BoltDB for persistent storage. Records are written once and
// only removed by pruning.
package journal

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/svm"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrClosed         = errors.New("journal closed")
	ErrDuplicate      = errors.New("record already journaled")
)

// TransactionError describes why a journaled transaction failed.
type TransactionError struct {
	// InstructionIndex is the failing instruction.
	InstructionIndex int

	// Code is the program's custom error code, if it reported one.
	Code *uint32

	// Name is the program's error name, if any.
	Name string

	// Message is the full error text.
	Message string
}

// Record is one journaled transaction.
type Record struct {
	Signature types.Signature

	// Seq orders records in the order they were journaled.
	Seq uint64

	// Slot is the ledger slot after the transaction.
	Slot uint64

	// Time is the unix time the record was written.
	Time int64

	Err *TransactionError

	Logs                 []string
	ComputeUnitsConsumed uint64

	// ModifiedAccounts are the accounts the transaction wrote. Empty for a
	// failed transaction.
	ModifiedAccounts []types.Pubkey

	DeltaHash   types.Hash
	AccountKeys []types.Pubkey

	// Transaction is the wire encoding of the executed transaction.
	Transaction []byte
}

// Succeeded reports whether the transaction committed.
func (r *Record) Succeeded() bool {
	return r.Err == nil
}

// Status is the short form of a record returned by status queries.
type Status struct {
	Signature types.Signature
	Slot      uint64
	Err       *TransactionError

	// Confirmations counts the slots committed after this one.
	Confirmations uint64
}

// SignatureInfo is one entry of an address history.
type SignatureInfo struct {
	Signature types.Signature
	Slot      uint64
	Err       *TransactionError
	Time      int64
}

// SignatureQueryOptions configures address history queries.
type SignatureQueryOptions struct {
	// Limit is the maximum number of signatures to return.
	Limit int

	// Before returns signatures journaled before (not including) this one.
	Before *types.Signature

	// Until stops at (not including) this signature.
	Until *types.Signature
}

// Stats contains journal statistics.
type Stats struct {
	Records      uint64
	Failed       uint64
	LatestSlot   uint64
	OldestSeq    uint64
	DatabaseSize int64
}

// NewRecord builds the journal record for an executed transaction.
func NewRecord(tx *runtime.Transaction, outcome *runtime.Outcome) *Record {
	rec := &Record{
		Signature:   outcome.Signature,
		Slot:        outcome.Slot,
		Time:        time.Now().Unix(),
		DeltaHash:   outcome.DeltaHash,
		AccountKeys: append([]types.Pubkey(nil), tx.Message.AccountKeys...),
		Transaction: tx.Serialize(),
	}
	if res := outcome.Result; res != nil {
		rec.Logs = append([]string(nil), res.Logs...)
		rec.ComputeUnitsConsumed = res.ComputeUnitsConsumed
		rec.ModifiedAccounts = append([]types.Pubkey(nil), res.ModifiedAccounts...)
		if res.Err != nil {
			rec.Err = NewTransactionError(res)
		}
	}
	return rec
}

// NewTransactionError extracts the failure of an execution result.
func NewTransactionError(res *svm.ExecutionResult) *TransactionError {
	if res.Err == nil {
		return nil
	}
	te := &TransactionError{
		InstructionIndex: res.InstructionIndex,
		Name:             svm.ErrorName(res.Err),
		Message:          res.ErrorMessage(),
	}
	if code, ok := svm.CustomCode(res.Err); ok {
		c := uint32(code)
		te.Code = &c
	}
	return te
}

// Helper functions for key encoding.

// EncodeSeqKey encodes a sequence number as a big-endian 8-byte key.
func EncodeSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// DecodeSeqKey decodes a big-endian 8-byte key.
func DecodeSeqKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// EncodeAddressSeqKey encodes an address+sequence composite key.
// Format: [32-byte address][8-byte sequence big-endian]
func EncodeAddressSeqKey(addr types.Pubkey, seq uint64) []byte {
	key := make([]byte, 40)
	copy(key[:32], addr[:])
	binary.BigEndian.PutUint64(key[32:], seq)
	return key
}

// DecodeAddressSeqKey decodes an address+sequence composite key.
func DecodeAddressSeqKey(key []byte) (types.Pubkey, uint64) {
	var addr types.Pubkey
	if len(key) < 40 {
		return addr, 0
	}
	copy(addr[:], key[:32])
	return addr, binary.BigEndian.Uint64(key[32:])
}
