package rpc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/accounts"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/token"
)

// FeatureSet is reported by getVersion.
const FeatureSet = 0

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, pubkey, rpcErr := parsePubkeyArgs(params, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config AccountInfoConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if config.Encoding == "" {
		config.Encoding = EncodingBase64
	}

	currentSlot := s.accountsDB.GetSlot()
	if config.MinContextSlot != nil && *config.MinContextSlot > currentSlot {
		return nil, MinContextSlotError(*config.MinContextSlot, currentSlot)
	}

	account, err := s.accountsDB.GetAccount(pubkey)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return ResponseWithContext{
				Context: Context{Slot: currentSlot},
				Value:   nil,
			}, nil
		}
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}

	info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
	if rpcErr != nil {
		return nil, rpcErr
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   info,
	}, nil
}

// getBalance retrieves account balance.
func (s *Server) getBalance(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, pubkey, rpcErr := parsePubkeyArgs(params, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config BalanceConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	currentSlot := s.accountsDB.GetSlot()
	if config.MinContextSlot != nil && *config.MinContextSlot > currentSlot {
		return nil, MinContextSlotError(*config.MinContextSlot, currentSlot)
	}

	account, err := s.accountsDB.GetAccount(pubkey)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return ResponseWithContext{
				Context: Context{Slot: currentSlot},
				Value:   uint64(0),
			}, nil
		}
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   account.Lamports,
	}, nil
}

// getTokenAccountBalance returns the token balance of a token account, such
// as the custody treasury.
func (s *Server) getTokenAccountBalance(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, pubkey, rpcErr := parsePubkeyArgs(params, "pubkey")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config BalanceConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	currentSlot := s.accountsDB.GetSlot()
	if config.MinContextSlot != nil && *config.MinContextSlot > currentSlot {
		return nil, MinContextSlotError(*config.MinContextSlot, currentSlot)
	}

	acct, err := token.GetAccount(s.accountsDB, pubkey)
	switch {
	case errors.Is(err, accounts.ErrAccountNotFound):
		return nil, InvalidParamsErrorf("Invalid param: could not find account %s", pubkey)
	case errors.Is(err, token.ErrInvalidOwnerProgram), errors.Is(err, token.ErrUninitializedState):
		return nil, InvalidParamsErrorf("Invalid param: %s is not a token account", pubkey)
	case err != nil:
		return nil, InternalServerErrorf("failed to get token account: %v", err)
	}

	mint, err := token.GetMint(s.accountsDB, acct.Mint)
	if err != nil {
		return nil, InvalidParamsErrorf("Invalid param: could not find mint %s", acct.Mint)
	}

	return ResponseWithContext{
		Context: Context{Slot: currentSlot},
		Value:   NewUITokenAmount(acct.Amount, mint.Decimals),
	}, nil
}

// Transaction Methods

// simulateTransaction runs a transaction without committing it.
func (s *Server) simulateTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, "transaction")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config SimulateTransactionConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	tx, rpcErr := decodeTransactionArg(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	outcome, err := s.runtime.Simulate(ctx, tx, config.SigVerify)
	if err != nil {
		return nil, transactionRejected(err)
	}

	return ResponseWithContext{
		Context: Context{Slot: outcome.Slot},
		Value:   simulateResult(tx, outcome),
	}, nil
}

// sendTransaction executes a signed transaction and returns its signature.
// Unless skipPreflight is set the transaction is simulated first and a
// failing simulation is reported without executing.
func (s *Server) sendTransaction(ctx context.Context, params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, "transaction")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config SendTransactionConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}

	tx, rpcErr := decodeTransactionArg(args[0], config.Encoding)
	if rpcErr != nil {
		return nil, rpcErr
	}

	if !config.SkipPreflight {
		preflight, err := s.runtime.Simulate(ctx, tx, true)
		if err != nil {
			return nil, transactionRejected(err)
		}
		if !preflight.Result.Success {
			return nil, PreflightFailureError(simulateResult(tx, preflight), preflight.Result.ErrorMessage())
		}
	}

	outcome, err := s.runtime.Execute(ctx, tx)
	if err != nil {
		return nil, transactionRejected(err)
	}

	s.log.WithFields(logrus.Fields{
		"signature": outcome.Signature.String(),
		"slot":      outcome.Slot,
		"success":   outcome.Result.Success,
	}).Info("Transaction executed")

	return outcome.Signature.String(), nil
}

// getTransaction retrieves a journaled transaction by signature.
func (s *Server) getTransaction(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrTransactionHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params, "signature")
	if rpcErr != nil {
		return nil, rpcErr
	}
	sig, rpcErr := parseSignature(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config TransactionConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if config.Encoding == "" {
		config.Encoding = EncodingBase64
	}

	rec, err := s.journal.Get(sig)
	if err != nil {
		if errors.Is(err, journal.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}

	return recordToResponse(rec, config.Encoding), nil
}

// getSignatureStatuses retrieves the status of signatures.
func (s *Server) getSignatureStatuses(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrTransactionHistoryNotAvailable
	}

	args, rpcErr := parseArgs(params, "signatures")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var sigStrs []string
	if err := json.Unmarshal(args[0], &sigStrs); err != nil {
		return nil, InvalidParamsError("invalid signatures array")
	}
	if len(sigStrs) > 256 {
		return nil, InvalidParamsError("too many signatures (max 256)")
	}

	sigs := make([]types.Signature, len(sigStrs))
	for i, sigStr := range sigStrs {
		sig, err := types.SignatureFromBase58(sigStr)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid signature at index %d", i)
		}
		sigs[i] = sig
	}

	found, err := s.journal.GetStatuses(sigs)
	if err != nil {
		return nil, InternalServerErrorf("failed to get statuses: %v", err)
	}

	statuses := make([]*SignatureStatus, len(found))
	for i, st := range found {
		if st == nil {
			continue
		}
		confirmations := st.Confirmations
		statuses[i] = &SignatureStatus{
			Slot:               st.Slot,
			Confirmations:      &confirmations,
			Err:                TransactionErrorJSON(st.Err),
			ConfirmationStatus: "finalized",
		}
	}

	return ResponseWithContext{
		Context: Context{Slot: s.accountsDB.GetSlot()},
		Value:   statuses,
	}, nil
}

// getSignaturesForAddress retrieves signatures for transactions involving an address.
func (s *Server) getSignaturesForAddress(_ context.Context, params json.RawMessage) (interface{}, *RPCError) {
	if s.journal == nil {
		return nil, ErrTransactionHistoryNotAvailable
	}

	args, addr, rpcErr := parsePubkeyArgs(params, "address")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config SignaturesForAddressConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if config.Limit <= 0 || config.Limit > 1000 {
		config.Limit = 1000
	}

	opts := &journal.SignatureQueryOptions{Limit: config.Limit}
	if config.Before != "" {
		sig, err := types.SignatureFromBase58(config.Before)
		if err != nil {
			return nil, InvalidParamsError("invalid before signature")
		}
		opts.Before = &sig
	}
	if config.Until != "" {
		sig, err := types.SignatureFromBase58(config.Until)
		if err != nil {
			return nil, InvalidParamsError("invalid until signature")
		}
		opts.Until = &sig
	}

	signatures, err := s.journal.GetSignaturesForAddress(addr, opts)
	if err != nil {
		if errors.Is(err, journal.ErrRecordNotFound) {
			return nil, InvalidParamsErrorf("Invalid param: %v", err)
		}
		return nil, InternalServerErrorf("failed to get signatures: %v", err)
	}

	results := make([]SignatureInfo, len(signatures))
	for i, sig := range signatures {
		blockTime := sig.Time
		results[i] = SignatureInfo{
			Signature:          sig.Signature.String(),
			Slot:               sig.Slot,
			Err:                TransactionErrorJSON(sig.Err),
			BlockTime:          &blockTime,
			ConfirmationStatus: "finalized",
		}
	}

	return results, nil
}

// Custody Methods

// getClaimAuthority returns the derived treasury authority of the deployment.
func (s *Server) getClaimAuthority(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	auth, err := s.claim.Authority()
	if err != nil {
		return nil, InternalServerErrorf("failed to derive authority: %v", err)
	}
	return ClaimAuthority{
		Address:   auth.Address.String(),
		Bump:      auth.Bump,
		ProgramID: s.claim.ProgramID.String(),
		Seed:      string(auth.SeedLabel),
		Encoding:  s.claim.Encoding.String(),
		Layout:    s.claim.Layout.String(),
	}, nil
}

// Cluster Methods

// getSlot returns the number of committed transactions.
func (s *Server) getSlot(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return s.runtime.Slot(), nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(_ context.Context, _ json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		SolanaCore: s.config.Version,
		FeatureSet: FeatureSet,
	}, nil
}

// Helper functions

func parseArgs(params json.RawMessage, first string) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, InvalidParamsError("invalid params")
	}
	if len(args) < 1 {
		return nil, InvalidParamsErrorf("missing %s parameter", first)
	}
	return args, nil
}

func parsePubkeyArgs(params json.RawMessage, name string) ([]json.RawMessage, types.Pubkey, *RPCError) {
	args, rpcErr := parseArgs(params, name)
	if rpcErr != nil {
		return nil, types.Pubkey{}, rpcErr
	}
	var str string
	if err := json.Unmarshal(args[0], &str); err != nil {
		return nil, types.Pubkey{}, InvalidParamsErrorf("invalid %s", name)
	}
	pubkey, err := types.PubkeyFromBase58(str)
	if err != nil {
		return nil, types.Pubkey{}, InvalidParamsErrorf("invalid %s format", name)
	}
	return args, pubkey, nil
}

func parseSignature(raw json.RawMessage) (types.Signature, *RPCError) {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return types.Signature{}, InvalidParamsError("invalid signature")
	}
	sig, err := types.SignatureFromBase58(str)
	if err != nil {
		return types.Signature{}, InvalidParamsError("invalid signature format")
	}
	return sig, nil
}

func decodeTransactionArg(raw json.RawMessage, encoding Encoding) (*runtime.Transaction, *RPCError) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}
	data, err := DecodeTransaction(encoded, encoding)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to decode transaction: %v", err)
	}
	tx, err := runtime.DeserializeTransaction(data)
	if err != nil {
		return nil, InvalidParamsErrorf("failed to deserialize transaction: %v", err)
	}
	return tx, nil
}

// transactionRejected maps a transaction the runtime refused to run.
func transactionRejected(err error) *RPCError {
	switch {
	case errors.Is(err, runtime.ErrSignatureFailure):
		return ErrSignatureVerificationFailure
	case errors.Is(err, runtime.ErrAlreadyProcessed):
		return AlreadyProcessedError()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return InternalServerErrorf("transaction not executed: %v", err)
	default:
		return InvalidParamsErrorf("invalid transaction: %v", err)
	}
}

func simulateResult(tx *runtime.Transaction, outcome *runtime.Outcome) *SimulateResult {
	res := outcome.Result
	out := &SimulateResult{
		Err:           TransactionErrorJSON(journal.NewTransactionError(res)),
		Logs:          res.Logs,
		UnitsConsumed: res.ComputeUnitsConsumed,
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	for _, key := range res.ModifiedAccounts {
		out.ModifiedAccounts = append(out.ModifiedAccounts, key.String())
	}
	if sig := outcome.Signature; !sig.IsZero() {
		out.ID = sig.String()
	} else {
		out.ID = tx.Message.Hash().String()
	}
	return out
}

func recordToResponse(rec *journal.Record, encoding Encoding) *TransactionResponse {
	cu := rec.ComputeUnitsConsumed
	meta := &TransactionMeta{
		Err:                  TransactionErrorJSON(rec.Err),
		Status:               statusJSON(rec.Err),
		LogMessages:          rec.Logs,
		ComputeUnitsConsumed: &cu,
	}
	if meta.LogMessages == nil {
		meta.LogMessages = []string{}
	}
	for _, key := range rec.ModifiedAccounts {
		meta.ModifiedAccounts = append(meta.ModifiedAccounts, key.String())
	}
	if rec.Succeeded() {
		meta.DeltaHash = rec.DeltaHash.String()
	}

	blockTime := rec.Time
	return &TransactionResponse{
		Slot:        rec.Slot,
		Transaction: EncodeTransaction(rec.Transaction, encoding),
		Meta:        meta,
		BlockTime:   &blockTime,
		Version:     "legacy",
	}
}

func accountToAccountInfo(account *accounts.Account, encoding Encoding, dataSlice *DataSlice) (*AccountInfo, *RPCError) {
	data := ApplyDataSlice(account.Data, dataSlice)

	encodedData, err := EncodeAccountData(data, encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode data: %v", err)
	}

	return &AccountInfo{
		Data:       encodedData,
		Executable: account.Executable,
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}
