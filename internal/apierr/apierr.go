// Package apierr defines the gateway's failure taxonomy.
//
// DESIGN: One tagged error type with a closed kind enum and per-kind
// metadata, instead of an error class hierarchy. The retry/failover loop
// dispatches on Kind; the inbound handler serializes the same struct as the
// caller-facing JSON error shape.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies one failure class.
type Kind string

const (
	KindRateLimit         Kind = "RateLimitError"
	KindAuth              Kind = "AuthError"
	KindNoAccounts        Kind = "NoAccountsError"
	KindMaxRetries        Kind = "MaxRetriesError"
	KindUpstreamAPI       Kind = "UpstreamApiError"
	KindEmptyResponse     Kind = "EmptyResponseError"
	KindCapacityExhausted Kind = "CapacityExhaustedError"
)

// Error is the gateway error type. Kind-specific fields are zero unless the
// kind uses them.
type Error struct {
	Kind      Kind   `json:"name"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`

	// RateLimit / CapacityExhausted
	ResetMs int64 `json:"resetMs,omitempty"`

	// RateLimit / Auth
	AccountEmail string `json:"accountEmail,omitempty"`

	// MaxRetries
	Attempts int `json:"attempts,omitempty"`
}

func (e *Error) Error() string {
	if e.AccountEmail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.AccountEmail, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// MarshalJSON keeps the wire shape stable even if fields are added.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal((*alias)(e))
}

// RateLimit builds a retryable rate-limit error for one account.
func RateLimit(email string, resetMs int64) *Error {
	return &Error{
		Kind:         KindRateLimit,
		Code:         http.StatusTooManyRequests,
		Message:      "upstream rate limit",
		Retryable:    true,
		ResetMs:      resetMs,
		AccountEmail: email,
	}
}

// Auth builds a non-retryable credential error for one account.
func Auth(email, reason string) *Error {
	return &Error{
		Kind:         KindAuth,
		Code:         http.StatusUnauthorized,
		Message:      reason,
		Retryable:    false,
		AccountEmail: email,
	}
}

// NoAccounts reports an empty or fully blocked pool. It is retryable only
// when the pool is blocked by rate limits rather than genuinely empty.
func NoAccounts(allRateLimited bool, waitMs int64) *Error {
	msg := "no accounts configured"
	if allRateLimited {
		msg = "all accounts are rate limited"
	}
	return &Error{
		Kind:      KindNoAccounts,
		Code:      http.StatusServiceUnavailable,
		Message:   msg,
		Retryable: allRateLimited,
		ResetMs:   waitMs,
	}
}

// MaxRetries reports exhausted failover attempts.
func MaxRetries(attempts int, last error) *Error {
	msg := fmt.Sprintf("request failed after %d attempts", attempts)
	if last != nil {
		msg = fmt.Sprintf("%s: %s", msg, last.Error())
	}
	return &Error{
		Kind:      KindMaxRetries,
		Code:      http.StatusBadGateway,
		Message:   msg,
		Retryable: false,
		Attempts:  attempts,
	}
}

// Upstream classifies a non-2xx upstream status. Server-class statuses are
// retryable; client-class are not.
func Upstream(status int, body string) *Error {
	return &Error{
		Kind:      KindUpstreamAPI,
		Code:      status,
		Message:   truncate(body, 500),
		Retryable: status >= 500,
	}
}

// EmptyResponse reports an upstream reply that completed without producing
// any content part. Always retryable: it is a transient failure, not a
// valid empty answer.
func EmptyResponse() *Error {
	return &Error{
		Kind:      KindEmptyResponse,
		Code:      http.StatusBadGateway,
		Message:   "upstream returned no content parts",
		Retryable: true,
	}
}

// CapacityExhausted reports a transient "no capacity" condition with a
// suggested short retry delay.
func CapacityExhausted(retryMs int64) *Error {
	return &Error{
		Kind:      KindCapacityExhausted,
		Code:      http.StatusServiceUnavailable,
		Message:   "upstream has no capacity available",
		Retryable: true,
		ResetMs:   retryMs,
	}
}

// HTTPStatus is the status code to surface to the inbound caller.
func (e *Error) HTTPStatus() int {
	if e.Code >= 400 && e.Code < 600 {
		return e.Code
	}
	return http.StatusBadGateway
}

// As unwraps err into *Error when possible.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify maps an upstream HTTP status and body onto the taxonomy.
func Classify(status int, body string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimit("", 0)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Auth("", truncate(body, 200))
	case status == http.StatusServiceUnavailable && containsFold(body, "no capacity available"):
		return CapacityExhausted(0)
	default:
		return Upstream(status, body)
	}
}

// FromText classifies a raw upstream error string by substring matching.
// Kept for upstreams that surface errors as free text rather than a
// structured payload.
func FromText(msg string) *Error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "too many requests"):
		e := RateLimit("", 0)
		e.Message = truncate(msg, 500)
		return e
	case strings.Contains(lower, "no capacity available"):
		return CapacityExhausted(0)
	case strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "invalid credentials") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "permission_denied") ||
		strings.Contains(lower, "token has been expired or revoked"):
		return Auth("", truncate(msg, 200))
	case strings.Contains(lower, "empty response") ||
		strings.Contains(lower, "no content parts"):
		return EmptyResponse()
	default:
		e := Upstream(http.StatusBadGateway, msg)
		e.Retryable = true
		return e
	}
}

// IsThinkingSignatureError detects thinking-signature related 400 bodies, so
// the caller can retry once with thinking stripped.
func IsThinkingSignatureError(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "invalid `signature`") ||
		strings.Contains(lower, "thinking.signature") ||
		strings.Contains(lower, "corrupted thought signature") ||
		strings.Contains(lower, "failed to deserialise")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
