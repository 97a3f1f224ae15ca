package resettime

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func headerWith(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		wantMs int64
	}{
		{"retry-after seconds", headerWith("Retry-After", "30"), 30_000},
		{"ratelimit reset-after seconds", headerWith("x-ratelimit-reset-after", "12.5"), 12_500},
		{"sub-second raised to floor", headerWith("x-ratelimit-reset-after", "0.2"), 2_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, ok := Parse(tt.header, "")
			require.True(t, ok)
			assert.Equal(t, tt.wantMs, ms)
		})
	}
}

func TestParseRetryAfterDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	ms, ok := Parse(headerWith("Retry-After", future), "")
	require.True(t, ok)
	assert.InDelta(t, 90_000, ms, 2_000)
}

func TestParseRatelimitResetUnix(t *testing.T) {
	unix := time.Now().Add(45 * time.Second).Unix()
	ms, ok := Parse(headerWith("x-ratelimit-reset", fmt.Sprintf("%d", unix)), "")
	require.True(t, ok)
	assert.InDelta(t, 45_000, ms, 2_000)
}

func TestParseBody(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantMs int64
	}{
		{"quotaResetDelay ms", `{"quotaResetDelay": "250ms"}`, 2_000},
		{"quotaResetDelay seconds", `{"quotaResetDelay": "2.5s"}`, 2_500},
		{"retryDelay decimal seconds", `{"retryDelay": "30s"}`, 30_000},
		{"retry-after-ms bare", `{"retry-after-ms": 4500}`, 4_500},
		{"retry info details", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"120s"}]}}`, 120_000},
		{"free text retry after", `Resource exhausted. Retry after 60 seconds.`, 60_000},
		{"free text duration", `Please wait 1h2m3s before retrying`, 3_723_000},
		{"free text minutes seconds", `try again in 2m30s`, 150_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, ok := Parse(nil, tt.body)
			require.True(t, ok)
			assert.Equal(t, tt.wantMs, ms)
		})
	}
}

func TestParseQuotaResetTimestamp(t *testing.T) {
	stamp := time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339)
	ms, ok := Parse(nil, fmt.Sprintf(`{"quotaResetTimeStamp": %q}`, stamp))
	require.True(t, ok)
	assert.InDelta(t, 300_000, ms, 2_000)

	// A stamp in the past still matches, then the floor applies.
	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	ms, ok = Parse(nil, fmt.Sprintf(`{"quotaResetTimeStamp": %q}`, past))
	require.True(t, ok)
	assert.Equal(t, int64(2_000), ms)
}

func TestParseHeaderBeatsBody(t *testing.T) {
	ms, ok := Parse(headerWith("Retry-After", "10"), `{"retryDelay": "99s"}`)
	require.True(t, ok)
	assert.Equal(t, int64(10_000), ms)
}

func TestParseNoSource(t *testing.T) {
	_, ok := Parse(http.Header{}, "quota exceeded, no hints here")
	assert.False(t, ok)

	_, ok = Parse(nil, "")
	assert.False(t, ok)
}
