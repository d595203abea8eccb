package chatmeter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	ErrPlanNotFound         = errors.New("chatmeter: plan not found")
	ErrModelNotFound        = errors.New("chatmeter: model not found")
	ErrNoProviderConfigured = errors.New("chatmeter: no provider configured for model")
	ErrRateLimited          = errors.New("chatmeter: rate limited by provider")
	ErrAuthFailed           = errors.New("chatmeter: authentication failed")
	ErrInvalidRequest       = errors.New("chatmeter: invalid request")
	ErrProviderUnavailable  = errors.New("chatmeter: provider unavailable")
	ErrEmptyResponse        = errors.New("chatmeter: empty response from provider")
)

// ErrorKind is the machine-readable class of an Error.
type ErrorKind string

const (
	KindModelNotInPlan      ErrorKind = "model-not-in-plan"
	KindDailyMessageLimit   ErrorKind = "daily-message-limit"
	KindMonthlyTokenLimit   ErrorKind = "monthly-token-limit"
	KindProviderUnavailable ErrorKind = "provider-unavailable"
	KindProviderError       ErrorKind = "provider-error"
	KindInvalidRequest      ErrorKind = "invalid-request"
	KindInternal            ErrorKind = "internal"
)

// HTTPStatus maps the kind to the status code the HTTP layer should send.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindModelNotInPlan:
		return http.StatusForbidden
	case KindDailyMessageLimit, KindMonthlyTokenLimit:
		return http.StatusTooManyRequests
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// IsPolicyRejection reports whether the kind is an expected plan rejection.
func (k ErrorKind) IsPolicyRejection() bool {
	return k == KindModelNotInPlan || k == KindDailyMessageLimit || k == KindMonthlyTokenLimit
}

// Error is the structured error returned to callers of the Enforcer.
type Error struct {
	Kind      ErrorKind
	Message   string
	Provider  string
	Model     string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("chatmeter: %s: %s", e.Kind, e.Message)
	if e.Provider != "" {
		msg += fmt.Sprintf(" (provider=%s model=%s)", e.Provider, e.Model)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable returns true if the error is transient and the request may be
// retried later.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Retryable {
		return true
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrInvalidRequest,
	}
}

// providerError translates a provider runtime failure. The raw error stays
// reachable through Unwrap but is never returned bare.
func providerError(err error, provider, model string) *Error {
	msg := "provider request failed"
	switch {
	case errors.Is(err, ErrRateLimited):
		msg = "provider rate limit reached"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "provider request timed out"
	case errors.Is(err, ErrAuthFailed):
		msg = "provider rejected credentials"
	}
	return &Error{
		Kind:      KindProviderError,
		Message:   msg,
		Provider:  provider,
		Model:     model,
		Retryable: errors.Is(err, ErrRateLimited) || errors.Is(err, ErrProviderUnavailable) || errors.Is(err, context.DeadlineExceeded),
		Err:       err,
	}
}
