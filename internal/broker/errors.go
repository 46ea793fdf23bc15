package broker

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies broker failures into the policies the engine
// branches on. Classification prefers the structured error_type from the
// API envelope; free-form status messages are matched as a fallback
// because broker rejection bodies are not stable.
type ErrorKind int

// Broker error kinds.
const (
	KindUnknown ErrorKind = iota
	// KindRetryable covers rate limits, 5xx and transport failures.
	KindRetryable
	// KindRMSMargin is a risk-management/margin rejection.
	KindRMSMargin
	// KindCircuitLimit is an exchange circuit/price-band rejection.
	KindCircuitLimit
	// KindSLMBlocked means SL-M orders are blocked on this contract.
	KindSLMBlocked
	// KindBlocked is a hard rule rejection (instrument banned, market
	// closed, blocked for trading).
	KindBlocked
	// KindNotCancellable means the order is being processed and cannot
	// be cancelled right now.
	KindNotCancellable
	// KindNotModified is the broker's response to an idempotent modify
	// with unchanged parameters. Not a failure.
	KindNotModified
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRMSMargin:
		return "rms_margin"
	case KindCircuitLimit:
		return "circuit_limit"
	case KindSLMBlocked:
		return "slm_blocked"
	case KindBlocked:
		return "blocked"
	case KindNotCancellable:
		return "not_cancellable"
	case KindNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// APIError is a failed broker call with enough context for policy
// decisions: HTTP status, classified kind, and the raw message.
type APIError struct {
	HTTPStatus int
	Kind       ErrorKind
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s (%s, http %d): %s", e.Kind, e.ErrorType, e.HTTPStatus, e.Message)
}

// Retryable reports whether the call may be retried with backoff.
func (e *APIError) Retryable() bool {
	return e.Kind == KindRetryable
}

// KindOf extracts the classified kind from any error chain.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if err != nil && isTransientMessage(err.Error()) {
		return KindRetryable
	}
	return KindUnknown
}

// IsRetryable reports whether the error warrants a bounded retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// Classify builds an APIError from a broker response.
func Classify(httpStatus int, errorType, message string) *APIError {
	e := &APIError{
		HTTPStatus: httpStatus,
		ErrorType:  errorType,
		Message:    message,
	}
	e.Kind = classifyKind(httpStatus, errorType, message)
	return e
}

func classifyKind(httpStatus int, errorType, message string) ErrorKind {
	if httpStatus == 429 || httpStatus >= 500 {
		return KindRetryable
	}
	switch errorType {
	case "NetworkException":
		return KindRetryable
	}

	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, "parameters of the order has not changed", "order parameters not changed"):
		return KindNotModified
	case containsAny(msg, "cannot be cancelled", "being processed", "cancel pending"):
		return KindNotCancellable
	case containsAny(msg, "sl-m order", "slm order", "stoploss market order is blocked"):
		return KindSLMBlocked
	case containsAny(msg, "circuit", "price band", "execution range"):
		return KindCircuitLimit
	case containsAny(msg, "insufficient funds", "margin", "rms", "exceeds"):
		return KindRMSMargin
	case containsAny(msg, "blocked", "banned", "not allowed", "market is closed", "outside trading hours"):
		return KindBlocked
	case isTransientMessage(msg):
		return KindRetryable
	default:
		return KindUnknown
	}
}

// isTransientMessage matches transport-level failures described only by
// their message text.
func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return containsAny(msg,
		"timeout", "timed out", "connection refused", "connection reset",
		"temporary failure", "server error", "rate limit", "too many requests",
		"429", "502", "503", "504", "network", "dns", "eof", "broken pipe",
	)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
