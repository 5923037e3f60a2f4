package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
)

// Kind tells the dispatcher what to do with a failed send.
type Kind int

const (
	// KindRetryable covers unknown and transient failures.
	KindRetryable Kind = iota
	// KindThrottled means the provider rejected the rate; retry with backoff.
	KindThrottled
	// KindNonRetryable means the request itself is bad; never retry.
	KindNonRetryable
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindNonRetryable:
		return "non_retryable"
	default:
		return "retryable"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("provider %s %s error", e.Provider, e.Kind))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf classifies any error returned from a provider call.
func KindOf(err error) Kind {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetryable
	}
	if errors.Is(err, context.Canceled) {
		return KindNonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindRetryable
	}

	return KindRetryable
}

func IsThrottled(err error) bool {
	return err != nil && KindOf(err) == KindThrottled
}

func IsNonRetryable(err error) bool {
	return err != nil && KindOf(err) == KindNonRetryable
}

// kindFromStatus maps an HTTP response status onto a Kind.
func kindFromStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindThrottled
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return KindNonRetryable
	default:
		return KindRetryable
	}
}

var throttlingCodes = map[string]struct{}{
	"Throttling":                    {},
	"ThrottlingException":           {},
	"Throttled":                     {},
	"ThrottledException":            {},
	"TooManyRequestsException":      {},
	"RequestLimitExceeded":          {},
	"LimitExceededException":        {},
	"ServiceQuotaExceededException": {},
}

// classifyAWS wraps an AWS SDK error with its Kind. Client faults are not
// retried except for throttling codes.
func classifyAWS(providerName string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &Error{Provider: providerName, Kind: KindOf(err), Message: "request failed", Cause: err}
	}

	code := apiErr.ErrorCode()
	kind := KindRetryable
	switch {
	case isThrottlingCode(code):
		kind = KindThrottled
	case apiErr.ErrorFault() == smithy.FaultClient, strings.HasPrefix(code, "Invalid"), code == "ValidationException":
		kind = KindNonRetryable
	}

	return &Error{Provider: providerName, Kind: kind, Message: code, Cause: err}
}

func isThrottlingCode(code string) bool {
	_, ok := throttlingCodes[code]
	return ok
}
