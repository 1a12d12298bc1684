package payflow

import (
	"errors"
	"fmt"
)

// Phase identifies which stage of a payment attempt produced an error, so
// callers and operators can tell "we didn't get the data" apart from "we got
// the data but leaked some dust".
type Phase string

const (
	PhaseConfig     Phase = "config"
	PhaseFunding    Phase = "funding"
	PhaseSettlement Phase = "settlement"
	PhaseSweep      Phase = "sweep"
)

// Common error codes
const (
	ErrCodeMalformedRequirement         = "malformed_requirement"
	ErrCodeNetworkMismatch              = "network_mismatch"
	ErrCodeInsufficientCustodialBalance = "insufficient_custodial_balance"
	ErrCodeCustodianAuthExpired         = "custodian_auth_expired"
	ErrCodeFundingCeilingExceeded       = "funding_ceiling_exceeded"
	ErrCodeChallengeParse               = "challenge_parse_error"
	ErrCodePaymentRejected              = "payment_rejected"
	ErrCodeTransientIO                  = "transient_io"
	ErrCodeSweepFailed                  = "sweep_failed"
	ErrCodeSweepPartial                 = "sweep_partial"
	ErrCodeIdentityDestroyed            = "identity_destroyed"
)

// Error is a payment error tagged with the phase that produced it. Transient
// errors are eligible for bounded retry with backoff at the call site that
// observed them; everything else is fatal to the current attempt.
type Error struct {
	Code      string                 `json:"code"`
	Phase     Phase                  `json:"phase"`
	Message   string                 `json:"message"`
	Transient bool                   `json:"transient,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Phase, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a fatal payment error.
func NewError(phase Phase, code, message string) *Error {
	return &Error{Code: code, Phase: phase, Message: message}
}

// NewTransientError creates a retryable payment error wrapping its cause.
func NewTransientError(phase Phase, code, message string, cause error) *Error {
	return &Error{Code: code, Phase: phase, Message: message, Transient: true, cause: cause}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// IsCode reports whether err is a payment error with the given code.
func IsCode(err error, code string) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsTransient reports whether err is a retryable payment error.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// PhaseOf returns the phase tag of err, or the empty phase for non-payment
// errors.
func PhaseOf(err error) Phase {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return Phase("")
}
