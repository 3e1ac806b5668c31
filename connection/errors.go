package connection

import "fmt"

// ReportableError is an error carrying a stable string code, safe to log
// or report to a peer without leaking internals. Modeled on the did
// package's DIDError{Code, Message} pattern.
type ReportableError struct {
	Code    string
	Message string
}

func (e *ReportableError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewReportableError(code, message string) *ReportableError {
	return &ReportableError{Code: code, Message: message}
}

// Error codes used by the core registry. Routing and mediation define
// their own codes in their own packages.
const (
	CodeInvalidEnvelope        = "invalid-envelope"
	CodeConnectionNotFound     = "connection-not-found"
	CodeIllegalTransition      = "illegal-state-transition"
	CodeSignatureVerification  = "signature-verification-failed"
)

// ErrInvalidEnvelope is returned by HandleMessage when the packed message
// cannot be parsed well enough to extract its recipient key list.
type ErrInvalidEnvelope struct {
	Cause error
}

func (e *ErrInvalidEnvelope) Error() string {
	return fmt.Sprintf("%s: %v", CodeInvalidEnvelope, e.Cause)
}

func (e *ErrInvalidEnvelope) Unwrap() error { return e.Cause }

// ErrConnectionNotFound is returned when no known connection matches any
// recipient key on an inbound packed message.
type ErrConnectionNotFound struct {
	Recipients []string
}

func (e *ErrConnectionNotFound) Error() string {
	return fmt.Sprintf("%s: no connection for recipients %v", CodeConnectionNotFound, e.Recipients)
}

// IllegalTransitionError is returned when an event is applied to a
// connection in a state that has no transition defined for it.
type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot apply %s from state %s", CodeIllegalTransition, e.Event, e.From)
}

// ErrSignatureVerificationFailed is returned when a connection~sig-style
// signed field fails to verify.
type ErrSignatureVerificationFailed struct {
	Cause error
}

func (e *ErrSignatureVerificationFailed) Error() string {
	return fmt.Sprintf("%s: %v", CodeSignatureVerification, e.Cause)
}

func (e *ErrSignatureVerificationFailed) Unwrap() error { return e.Cause }
