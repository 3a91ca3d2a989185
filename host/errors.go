package host

import (
	"errors"
	"fmt"

	"escrowchain/core/state"
	"escrowchain/core/types"
)

var (
	ErrOutOfGas            = errors.New("host: out of gas")
	ErrUnknownProgram      = errors.New("host: unknown program")
	ErrUnknownCode         = errors.New("host: unknown code")
	ErrProgramPanicked     = errors.New("host: program panicked")
	ErrExternalFromProgram = errors.New("host: external messages cannot originate from a program")
	ErrDuplicateCode       = errors.New("host: code already submitted with a different constructor name")
	ErrInsufficientBalance = state.ErrInsufficientBalance
)

// CallKind classifies why an inter-program call failed.
type CallKind uint8

const (
	// CallRejected means the target ran and its handler returned an error.
	CallRejected CallKind = iota + 1
	// CallTransport covers every failure before or around the handler: unknown
	// destination, gas, balance, timeout or cancellation.
	CallTransport
)

func (k CallKind) String() string {
	switch k {
	case CallRejected:
		return "rejected"
	case CallTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// CallError is returned by every failed message dispatch.
type CallError struct {
	Kind    CallKind
	Target  types.ActorID
	Message types.MessageID
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("host: call to %s %s: %v", e.Target, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a CallError raised by the target's own
// handler.
func IsRejected(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == CallRejected
}

// IsTransport reports whether err is a CallError raised before the target's
// handler could complete.
func IsTransport(err error) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == CallTransport
}

// DeploymentError is returned when a program could not be instantiated or its
// initializer failed.
type DeploymentError struct {
	Code types.CodeID
	Err  error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("host: deploy code %s: %v", e.Code, e.Err)
}

func (e *DeploymentError) Unwrap() error { return e.Err }

func transportError(target types.ActorID, msg types.MessageID, err error) *CallError {
	return &CallError{Kind: CallTransport, Target: target, Message: msg, Err: err}
}

func rejectedError(target types.ActorID, msg types.MessageID, err error) *CallError {
	return &CallError{Kind: CallRejected, Target: target, Message: msg, Err: err}
}
