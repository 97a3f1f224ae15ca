package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantKind      Kind
		wantRetryable bool
	}{
		{"429 is rate limit", 429, "quota exceeded", KindRateLimit, true},
		{"401 is auth", 401, "invalid credentials", KindAuth, false},
		{"403 is auth", 403, "permission denied", KindAuth, false},
		{"503 with capacity text", 503, `{"error":{"message":"no capacity available for model"}}`, KindCapacityExhausted, true},
		{"503 without capacity text", 503, "service unavailable", KindUpstreamAPI, true},
		{"500 is retryable upstream", 500, "internal", KindUpstreamAPI, true},
		{"400 is terminal upstream", 400, "bad request", KindUpstreamAPI, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Classify(tt.status, tt.body)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.wantRetryable, e.Retryable)
		})
	}
}

func TestFromText(t *testing.T) {
	tests := []struct {
		msg      string
		wantKind Kind
	}{
		{"RESOURCE_EXHAUSTED: quota exceeded for project", KindRateLimit},
		{"Too Many Requests", KindRateLimit},
		{"no capacity available", KindCapacityExhausted},
		{"invalid_grant: token has been expired or revoked", KindAuth},
		{"request unauthorized", KindAuth},
		{"model returned empty response", KindEmptyResponse},
		{"something else went wrong", KindUpstreamAPI},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, FromText(tt.msg).Kind)
		})
	}
}

func TestAs(t *testing.T) {
	e, ok := As(RateLimit("a@x.com", 5_000))
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, e.Kind)
	assert.Equal(t, "a@x.com", e.AccountEmail)

	wrapped := fmt.Errorf("attempt 2: %w", Auth("b@x.com", "revoked"))
	e, ok = As(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindAuth, e.Kind)

	_, ok = As(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, RateLimit("", 0).HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, NoAccounts(true, 0).HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, MaxRetries(3, nil).HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, Upstream(400, "bad").HTTPStatus())

	// Out-of-range codes collapse to 502.
	e := &Error{Kind: KindUpstreamAPI, Code: 200}
	assert.Equal(t, http.StatusBadGateway, e.HTTPStatus())
}

func TestErrorString(t *testing.T) {
	e := RateLimit("a@x.com", 0)
	assert.Contains(t, e.Error(), "RateLimitError")
	assert.Contains(t, e.Error(), "a@x.com")

	assert.Equal(t, "EmptyResponseError: upstream returned no content parts", EmptyResponse().Error())
}

func TestMarshalShape(t *testing.T) {
	data, err := json.Marshal(RateLimit("a@x.com", 30_000))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "RateLimitError", decoded["name"])
	assert.Equal(t, float64(30_000), decoded["resetMs"])
	assert.Equal(t, "a@x.com", decoded["accountEmail"])
	assert.Equal(t, true, decoded["retryable"])
}

func TestMaxRetriesCarriesLastError(t *testing.T) {
	e := MaxRetries(3, RateLimit("a@x.com", 0))
	assert.Equal(t, 3, e.Attempts)
	assert.Contains(t, e.Message, "3 attempts")
	assert.Contains(t, e.Message, "RateLimitError")
}

func TestIsThinkingSignatureError(t *testing.T) {
	assert.True(t, IsThinkingSignatureError("messages.0.content.0: Invalid `signature` in thinking block"))
	assert.True(t, IsThinkingSignatureError("corrupted thought signature in request"))
	assert.True(t, IsThinkingSignatureError("failed to deserialise previous thought"))
	assert.False(t, IsThinkingSignatureError("invalid request: missing model"))
}
