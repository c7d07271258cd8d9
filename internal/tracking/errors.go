package tracking

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind classifies why a tracking lookup did not produce a result.
type Kind string

const (
	KindNotConfigured Kind = "not_configured"
	KindRateLimited   Kind = "rate_limited"
	KindHTTP          Kind = "http_error"
	KindTimeout       Kind = "timeout"
	KindDecode        Kind = "decode_error"
	KindNotFound      Kind = "not_found"
	KindScrapeFailure Kind = "scrape_failure"
	KindCircuitOpen   Kind = "circuit_open"
	KindCanceled      Kind = "canceled"
	KindInternal      Kind = "internal"
)

// Error is the per-item failure carried inside results. It is data, not control
// flow: callers branch on Kind and read the payload fields.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status for KindHTTP.
	Status int
	// RetryAfter is set for locally rate limited numbers.
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindNotConfigured:
		return "not configured"
	case KindRateLimited:
		return fmt.Sprintf("rate limited, retry after %d seconds", RetryAfterSeconds(e.RetryAfter))
	case KindHTTP:
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	case KindTimeout:
		return "request timed out"
	case KindDecode:
		if e.Err != nil {
			return "decode error: " + e.Err.Error()
		}
		return "decode error"
	case KindNotFound:
		return "not found in response"
	case KindScrapeFailure:
		if e.Err != nil {
			return "scrape failed: " + e.Err.Error()
		}
		return "scrape failed"
	case KindCircuitOpen:
		return "upstream unavailable: circuit open"
	case KindCanceled:
		return "request canceled"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfterSeconds rounds a wait up to whole seconds so "retry after 0" is
// never reported for a pending wait.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// NotConfigured reports missing credentials.
func NotConfigured() *Error { return &Error{Kind: KindNotConfigured} }

// RateLimited reports a number refused by the local limiter.
func RateLimited(wait time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: wait}
}

// UpstreamRateLimited reports that the backend kept answering 429.
func UpstreamRateLimited() *Error {
	return &Error{Kind: KindRateLimited, Message: "API rate limit exceeded"}
}

// HTTPStatus reports a terminal non-200 upstream response.
func HTTPStatus(status int) *Error { return &Error{Kind: KindHTTP, Status: status} }

// APIStatus reports a whole-request failure signalled inside a 200 body.
func APIStatus(code, message string) *Error {
	msg := "API error: code " + code
	if message != "" {
		msg += ": " + message
	}
	return &Error{Kind: KindHTTP, Status: 200, Message: msg}
}

// Timeout reports a connect/read timeout.
func Timeout(err error) *Error { return &Error{Kind: KindTimeout, Err: err} }

// Canceled reports a caller-initiated cancellation.
func Canceled(err error) *Error { return &Error{Kind: KindCanceled, Err: err} }

// Decode reports a malformed upstream body.
func Decode(err error) *Error { return &Error{Kind: KindDecode, Err: err} }

// NotFound reports a number the backend dropped or did not recognise.
func NotFound() *Error { return &Error{Kind: KindNotFound} }

// ScrapeFailure reports any failure of a browser session.
func ScrapeFailure(err error) *Error { return &Error{Kind: KindScrapeFailure, Err: err} }

// CircuitOpen reports that the upstream breaker refused the call.
func CircuitOpen(err error) *Error { return &Error{Kind: KindCircuitOpen, Err: err} }

// Internal reports an unexpected failure inside a backend.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err, Message: "internal error: " + errString(err)}
}

// AsError extracts a *Error from err, wrapping foreign errors as KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return Internal(err)
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
