package payment

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Callers match with errors.Is; the typed errors below carry
// the details.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidRequest     = errors.New("invalid payment request")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrAmountOutOfRange   = errors.New("amount out of range")
	ErrInvalidCardDetails = errors.New("invalid card details")

	ErrGatewayUnreachable = errors.New("gateway unreachable")
	ErrGatewayRejected    = errors.New("gateway rejected")

	ErrOrchestrationInProgress = errors.New("orchestration in progress")
	ErrOrderAlreadyPaid        = errors.New("order already paid")
	ErrOrderNotFound           = errors.New("order not found")
	ErrTimedOut                = errors.New("payment confirmation timed out")
	ErrAbandoned               error = &abandonedError{}

	ErrInvalidCoupon  = errors.New("invalid coupon")
	ErrInvalidAddress = errors.New("invalid shipping address")
)

// abandonedError matches ErrTimedOut too: an abandoned orchestration is
// reported to callers the same way as an exhausted attempt budget.
type abandonedError struct{}

func (*abandonedError) Error() string { return "payment orchestration abandoned" }

func (*abandonedError) Is(target error) bool { return target == ErrTimedOut }

// ValidationError is a local rejection raised before any network call.
// Reason is one of the refined sentinels (ErrInvalidPhoneNumber, ...).
type ValidationError struct {
	Reason error
	Fields []string
}

// NewValidationError builds a ValidationError for reason naming the
// offending fields.
func NewValidationError(reason error, fields ...string) *ValidationError {
	return &ValidationError{Reason: reason, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// GatewayError is the only error shape adapters return for provider
// failures. Unreachable errors are safe to retry with the same request;
// rejections are not.
type GatewayError struct {
	Provider    string
	Op          string
	Unreachable bool
	Code        string
	Reason      string
	Err         error
}

func (e *GatewayError) Error() string {
	kind := ErrGatewayRejected
	if e.Unreachable {
		kind = ErrGatewayUnreachable
	}
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg
}

func (e *GatewayError) Is(target error) bool {
	if e.Unreachable {
		return target == ErrGatewayUnreachable
	}
	return target == ErrGatewayRejected
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may be sent again.
func (e *GatewayError) Retryable() bool {
	return e.Unreachable
}

// Unreachable builds a retryable GatewayError.
func Unreachable(provider, op string, err error) *GatewayError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &GatewayError{Provider: provider, Op: op, Unreachable: true, Reason: reason, Err: err}
}

// Rejected builds a non-retryable GatewayError.
func Rejected(provider, op, code, reason string) *GatewayError {
	return &GatewayError{Provider: provider, Op: op, Code: code, Reason: reason}
}

// Reason extracts a user-facing failure reason from err.
func Reason(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.Reason != "" {
		return gwErr.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
