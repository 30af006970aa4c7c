package rpc

import (
	"fmt"

	"github.com/fortiblox/x1-custody/pkg/journal"
)

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request object.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Solana-compatible server error codes.
const (
	// SendTransactionPreflightFailure indicates preflight simulation failed.
	SendTransactionPreflightFailure = -32002

	// TransactionSignatureVerificationFailure indicates signature verification failed.
	TransactionSignatureVerificationFailure = -32003

	// NodeUnhealthy indicates the node is unhealthy.
	NodeUnhealthy = -32005

	// TransactionHistoryNotAvailable indicates no journal is attached.
	TransactionHistoryNotAvailable = -32011

	// MinContextSlotNotReached indicates min context slot not yet reached.
	MinContextSlotNotReached = -32016
)

// Common error messages.
var (
	ErrParseError                     = NewRPCError(ParseError, "Parse error")
	ErrInvalidRequest                 = NewRPCError(InvalidRequest, "Invalid Request")
	ErrMethodNotFound                 = NewRPCError(MethodNotFound, "Method not found")
	ErrInvalidParams                  = NewRPCError(InvalidParams, "Invalid params")
	ErrInternalError                  = NewRPCError(InternalError, "Internal error")
	ErrNodeUnhealthy                  = NewRPCError(NodeUnhealthy, "Node is unhealthy")
	ErrSignatureVerificationFailure   = NewRPCError(TransactionSignatureVerificationFailure, "Transaction signature verification failure")
	ErrTransactionHistoryNotAvailable = NewRPCError(TransactionHistoryNotAvailable, "Transaction history is not available from this node")
)

// NewRPCError creates a new RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewRPCErrorWithData creates a new RPC error with additional data.
func NewRPCErrorWithData(code int, message string, data interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// InvalidParamsError creates an invalid params error with a custom message.
func InvalidParamsError(msg string) *RPCError {
	return NewRPCError(InvalidParams, msg)
}

// InvalidParamsErrorf creates an invalid params error with a formatted message.
func InvalidParamsErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InvalidParams, fmt.Sprintf(format, args...))
}

// InternalServerErrorf creates an internal server error with a formatted message.
func InternalServerErrorf(format string, args ...interface{}) *RPCError {
	return NewRPCError(InternalError, fmt.Sprintf(format, args...))
}

// MinContextSlotError creates an error for min context slot not reached.
func MinContextSlotError(minSlot, currentSlot uint64) *RPCError {
	return NewRPCErrorWithData(MinContextSlotNotReached,
		fmt.Sprintf("Minimum context slot %d has not been reached, current slot is %d", minSlot, currentSlot),
		map[string]uint64{"minSlot": minSlot, "currentSlot": currentSlot})
}

// PreflightFailureError reports a failed preflight simulation. The data
// carries the simulation result, including the program's custom code.
func PreflightFailureError(result *SimulateResult, message string) *RPCError {
	return NewRPCErrorWithData(SendTransactionPreflightFailure,
		"Transaction simulation failed: "+message, result)
}

// AlreadyProcessedError reports a transaction whose signature has already
// been executed.
func AlreadyProcessedError() *RPCError {
	return NewRPCError(SendTransactionPreflightFailure,
		"Transaction simulation failed: This transaction has already been processed")
}

// TransactionErrorJSON renders a journaled failure the way Solana clients
// expect it: {"InstructionError": [index, {"Custom": code}]} for program
// errors carrying a code, and the error name or message otherwise.
func TransactionErrorJSON(te *journal.TransactionError) interface{} {
	if te == nil {
		return nil
	}
	var detail interface{}
	switch {
	case te.Code != nil:
		detail = map[string]uint32{"Custom": *te.Code}
	case te.Name != "":
		detail = te.Name
	default:
		detail = te.Message
	}
	return map[string]interface{}{
		"InstructionError": []interface{}{te.InstructionIndex, detail},
	}
}

// statusJSON renders the legacy status field: {"Ok": null} or {"Err": ...}.
func statusJSON(te *journal.TransactionError) interface{} {
	if te == nil {
		return map[string]interface{}{"Ok": nil}
	}
	return map[string]interface{}{"Err": TransactionErrorJSON(te)}
}
