package claimgrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fortiblox/x1-custody/internal/types"
	"github.com/fortiblox/x1-custody/pkg/journal"
	"github.com/fortiblox/x1-custody/pkg/runtime"
	"github.com/fortiblox/x1-custody/pkg/svm/programs/claim"
)

// CustomCodeTrailer carries the program's custom error code of a failed
// Submit.
const CustomCodeTrailer = "x1-custom-code"

// SimulateError describes a failed simulation.
type SimulateError struct {
	Instruction int     `json:"instruction"`
	Code        *uint32 `json:"code,omitempty"`
	Name        string  `json:"name,omitempty"`
	Message     string  `json:"message"`
}

// SimulateResponse is the JSON payload returned by Simulate.
type SimulateResponse struct {
	Slot             uint64         `json:"slot"`
	Err              *SimulateError `json:"err"`
	Logs             []string       `json:"logs"`
	UnitsConsumed    uint64         `json:"unitsConsumed"`
	ModifiedAccounts []types.Pubkey `json:"modifiedAccounts,omitempty"`
}

// Server exposes a runtime hosting the claim program over the Claim service.
type Server struct {
	UnimplementedClaimServer

	runtime *runtime.Runtime
	claim   claim.Config
	log     *logrus.Entry
}

// NewServer creates a Claim service. Resubmitted transactions are refused by
// the runtime and reported as AlreadyExists.
func NewServer(rt *runtime.Runtime, cfg claim.Config, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		runtime: rt,
		claim:   cfg,
		log:     log.WithField("type", "grpc"),
	}
}

// Submit executes a signed transaction after a successful preflight.
func (s *Server) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	tx, err := runtime.DeserializeTransaction(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed transaction: %v", err)
	}

	preflight, err := s.runtime.Simulate(ctx, tx, true)
	if err != nil {
		return nil, rejected(err)
	}
	if !preflight.Result.Success {
		return nil, s.failed(ctx, preflight)
	}

	outcome, err := s.runtime.Execute(ctx, tx)
	if err != nil {
		return nil, rejected(err)
	}
	if !outcome.Result.Success {
		return nil, s.failed(ctx, outcome)
	}

	s.log.WithFields(logrus.Fields{
		"signature": outcome.Signature.String(),
		"slot":      outcome.Slot,
	}).Info("Claim submitted")

	return wrapperspb.String(outcome.Signature.String()), nil
}

// Simulate runs a transaction without committing. Signatures are not
// verified, so unsigned transactions can be simulated.
func (s *Server) Simulate(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	tx, err := runtime.DeserializeTransaction(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed transaction: %v", err)
	}

	outcome, err := s.runtime.Simulate(ctx, tx, false)
	if err != nil {
		return nil, rejected(err)
	}

	resp := SimulateResponse{
		Slot:             outcome.Slot,
		Logs:             outcome.Result.Logs,
		UnitsConsumed:    outcome.Result.ComputeUnitsConsumed,
		ModifiedAccounts: outcome.Result.ModifiedAccounts,
	}
	if te := journal.NewTransactionError(outcome.Result); te != nil {
		resp.Err = &SimulateError{
			Instruction: te.InstructionIndex,
			Code:        te.Code,
			Name:        te.Name,
			Message:     te.Message,
		}
	}

	b, err := json.Marshal(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode simulation result")
	}
	return wrapperspb.Bytes(b), nil
}

// Authority returns the derived treasury authority address.
func (s *Server) Authority(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	auth, err := s.claim.Authority()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "derive authority: %v", err)
	}
	return wrapperspb.String(auth.Address.String()), nil
}

// failed reports a transaction the program rejected. Claims refused at
// account admission map to PermissionDenied, other failures to
// FailedPrecondition. The custom code, when present, is also sent as a
// trailer.
func (s *Server) failed(ctx context.Context, outcome *runtime.Outcome) error {
	te := journal.NewTransactionError(outcome.Result)
	if te.Code != nil {
		grpc.SetTrailer(ctx, metadata.Pairs(CustomCodeTrailer, strconv.FormatUint(uint64(*te.Code), 10)))
	}
	code := codes.FailedPrecondition
	if claim.IsAdmissionError(outcome.Result.Err) {
		code = codes.PermissionDenied
	}
	return status.Error(code, te.Message)
}

func rejected(err error) error {
	switch {
	case errors.Is(err, runtime.ErrAlreadyProcessed):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, runtime.ErrSignatureFailure), errors.Is(err, runtime.ErrMissingSigner):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.InvalidArgument, fmt.Sprintf("transaction rejected: %v", err))
	}
}
