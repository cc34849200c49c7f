package lib

import (
	"errors"
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	// Constructs a new Error instance
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

// IsCode() reports whether err is an ErrorI with the given module and code
func IsCode(err error, module ErrorModule, code ErrorCode) bool {
	var e ErrorI
	if !errors.As(err, &e) || e == nil {
		return false
	}
	return e.Module() == module && e.Code() == code
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal      ErrorCode = 1
	CodeJSONUnmarshal    ErrorCode = 2
	CodeWriteFile        ErrorCode = 3
	CodeReadFile         ErrorCode = 4
	CodeInvalidArgument  ErrorCode = 5
	CodeYAMLUnmarshal    ErrorCode = 6
	CodeInvalidAddress   ErrorCode = 7
	CodeInvalidHash      ErrorCode = 8
	CodeLogWrite         ErrorCode = 9
	CodeInvalidEnvOption ErrorCode = 10

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeNoValidatorsAvailable ErrorCode = 1
	CodeConsensusNotReached   ErrorCode = 2
	CodeInvalidTransition     ErrorCode = 3
	CodeNotAppealable         ErrorCode = 4
	CodeFinalityWindowOpen    ErrorCode = 5
	CodeMissingLeaderReceipt  ErrorCode = 6
	CodeWrongStatus           ErrorCode = 7
	CodeRoundInterrupted      ErrorCode = 8

	// Runner Module
	RunnerModule ErrorModule = "runner"

	// Runner Module Error Codes
	CodeRunnerUnavailable ErrorCode = 1
	CodeMalformedReceipt  ErrorCode = 2
	CodeUnknownProvider   ErrorCode = 3

	// Store Module
	StoreModule ErrorModule = "store"

	// Store Module Error Codes
	CodeStateStoreFailure    ErrorCode = 1
	CodeTxNotFound           ErrorCode = 2
	CodeNonceMismatch        ErrorCode = 3
	CodeDuplicateTransaction ErrorCode = 4
	CodeValidatorNotFound    ErrorCode = 5
	CodeImmutable            ErrorCode = 6
	CodeOpenDB               ErrorCode = 7
	CodeCloseDB              ErrorCode = 8
	CodeStoreGet             ErrorCode = 9
	CodeStoreSet             ErrorCode = 10
	CodeStoreDelete          ErrorCode = 11

	// Dispatcher Module
	DispatcherModule ErrorModule = "dispatcher"

	// Dispatcher Module Error Codes
	CodeDispatcherStopped ErrorCode = 1
	CodeNotCancelable     ErrorCode = 2

	// Mirror Module
	MirrorModule ErrorModule = "mirror"

	// Mirror Module Error Codes
	CodeMirrorDial ErrorCode = 1

	// RPC Module
	RPCModule ErrorModule = "rpc"

	// RPC Module Error Codes
	CodeRPCTimeout     ErrorCode = 1
	CodeInvalidRequest ErrorCode = 2
	CodePostRequest    ErrorCode = 3
	CodeGetRequest     ErrorCode = 4
	CodeHttpStatus     ErrorCode = 5
	CodeReadBody       ErrorCode = 6
)

func newLogError(err error) ErrorI {
	return NewError(CodeLogWrite, MainModule, fmt.Sprintf("log.write() failed with err: %s", err.Error()))
}

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrYAMLUnmarshal(err error) ErrorI {
	return NewError(CodeYAMLUnmarshal, MainModule, fmt.Sprintf("yaml.unmarshal() failed with err: %s", err.Error()))
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("os.WriteFile() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("os.ReadFile() failed with err: %s", err.Error()))
}

func ErrInvalidArgument() ErrorI {
	return NewError(CodeInvalidArgument, MainModule, "invalid argument")
}

func ErrInvalidAddress(s string) ErrorI {
	return NewError(CodeInvalidAddress, MainModule, fmt.Sprintf("invalid address: %q", s))
}

func ErrInvalidHash(s string) ErrorI {
	return NewError(CodeInvalidHash, MainModule, fmt.Sprintf("invalid hash: %q", s))
}

func ErrInvalidEnvOption(key string, err error) ErrorI {
	return NewError(CodeInvalidEnvOption, MainModule, fmt.Sprintf("env option %s is invalid: %s", key, err.Error()))
}

func ErrNoValidatorsAvailable() ErrorI {
	return NewError(CodeNoValidatorsAvailable, ConsensusModule, "no validators available")
}

func ErrConsensusNotReached() ErrorI {
	return NewError(CodeConsensusNotReached, ConsensusModule, "consensus not reached")
}

func ErrInvalidTransition(from, to TransactionStatus) ErrorI {
	return NewError(CodeInvalidTransition, ConsensusModule, fmt.Sprintf("invalid transition %s -> %s", from, to))
}

func ErrNotAppealable(status TransactionStatus) ErrorI {
	return NewError(CodeNotAppealable, ConsensusModule, fmt.Sprintf("transaction in status %s is not appealable", status))
}

func ErrFinalityWindowOpen() ErrorI {
	return NewError(CodeFinalityWindowOpen, ConsensusModule, "finality window has not elapsed")
}

func ErrMissingLeaderReceipt() ErrorI {
	return NewError(CodeMissingLeaderReceipt, ConsensusModule, "consensus data has no leader receipt")
}

func ErrWrongStatus(expected, got TransactionStatus) ErrorI {
	return NewError(CodeWrongStatus, ConsensusModule, fmt.Sprintf("expected status %s, got %s", expected, got))
}

func ErrRunnerUnavailable(err error) ErrorI {
	return NewError(CodeRunnerUnavailable, RunnerModule, fmt.Sprintf("runner unavailable: %s", err.Error()))
}

func ErrMalformedReceipt(reason string) ErrorI {
	return NewError(CodeMalformedReceipt, RunnerModule, fmt.Sprintf("malformed receipt: %s", reason))
}

func ErrUnknownProvider(provider string) ErrorI {
	return NewError(CodeUnknownProvider, RunnerModule, fmt.Sprintf("no runner registered for provider %q", provider))
}

func ErrStateStoreFailure(err error) ErrorI {
	return NewError(CodeStateStoreFailure, StoreModule, fmt.Sprintf("state store failed with err: %s", err.Error()))
}

func ErrTxNotFound(hash string) ErrorI {
	return NewError(CodeTxNotFound, StoreModule, fmt.Sprintf("transaction %s not found", hash))
}

func ErrNonceMismatch(expected, got uint64) ErrorI {
	return NewError(CodeNonceMismatch, StoreModule, fmt.Sprintf("nonce mismatch: expected %d, got %d", expected, got))
}

func ErrDuplicateTransaction(hash string) ErrorI {
	return NewError(CodeDuplicateTransaction, StoreModule, fmt.Sprintf("duplicate transaction %s", hash))
}

func ErrValidatorNotFound(address string) ErrorI {
	return NewError(CodeValidatorNotFound, StoreModule, fmt.Sprintf("validator %s not found", address))
}

func ErrImmutable(hash string, status TransactionStatus) ErrorI {
	return NewError(CodeImmutable, StoreModule, fmt.Sprintf("transaction %s is %s and can no longer change", hash, status))
}

func ErrDispatcherStopped() ErrorI {
	return NewError(CodeDispatcherStopped, DispatcherModule, "dispatcher stopped")
}

func ErrNotCancelable(status TransactionStatus) ErrorI {
	return NewError(CodeNotCancelable, DispatcherModule, fmt.Sprintf("transaction in status %s cannot be canceled", status))
}
