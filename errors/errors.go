// Package errors provides AMHS-specific error types for better error handling
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectionClosed = errors.New("amhs: connection closed")
	ErrTruncatedFrame   = errors.New("amhs: connection closed mid-frame")
	ErrIndefiniteLength = errors.New("amhs: indefinite length not supported")
	ErrUnknownPDU       = errors.New("amhs: unknown P1 PDU")
	ErrBindRejected     = errors.New("amhs: bind rejected")
	ErrNoRoute          = errors.New("amhs: no route to recipient")
	ErrQueueClosed      = errors.New("amhs: inbound queue closed")
)

// DecodeError represents malformed BER, a truncated frame or an unsupported TPDU.
// It is fatal to the current frame or PDU.
type DecodeError struct {
	Layer  string
	Offset int
	Msg    string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s decode error at offset %d: %s", e.Layer, e.Offset, e.Msg)
	}
	return fmt.Sprintf("%s decode error: %s", e.Layer, e.Msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError creates a new decode error. A negative offset omits the position.
func NewDecodeError(layer string, offset int, msg string) *DecodeError {
	return &DecodeError{
		Layer:  layer,
		Offset: offset,
		Msg:    msg,
	}
}

// WrapDecodeError creates a decode error carrying an underlying cause
func WrapDecodeError(layer string, offset int, msg string, err error) *DecodeError {
	return &DecodeError{
		Layer:  layer,
		Offset: offset,
		Msg:    msg,
		Err:    err,
	}
}

// ValidationError represents a message-level rejection (address form,
// channel policy, certificate binding). The connection stays open.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// NewValidationError creates a new validation error
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{
		Field: field,
		Msg:   msg,
	}
}

// StateError represents an invalid lifecycle transition
type StateError struct {
	From string
	To   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid AMHS state transition %s -> %s", e.From, e.To)
}

// NewStateError creates a new state error
func NewStateError(from, to string) *StateError {
	return &StateError{
		From: from,
		To:   to,
	}
}

// TransportError represents a socket or relay endpoint failure
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport error during %s with %s: %v", e.Op, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(op, endpoint string, err error) *TransportError {
	return &TransportError{
		Op:       op,
		Endpoint: endpoint,
		Err:      err,
	}
}

// AbortError represents a P1 Abort PDU received from the peer
type AbortError struct {
	Diagnostic string
}

func (e *AbortError) Error() string {
	if e.Diagnostic == "" {
		return "association aborted by peer"
	}
	return fmt.Sprintf("association aborted by peer: %s", e.Diagnostic)
}

// NewAbortError creates a new abort error
func NewAbortError(diagnostic string) *AbortError {
	return &AbortError{Diagnostic: diagnostic}
}

// IsDecode reports whether err is or wraps a DecodeError
func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransport reports whether err is or wraps a TransportError
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsState reports whether err is or wraps a StateError
func IsState(err error) bool {
	var target *StateError
	return errors.As(err, &target)
}
