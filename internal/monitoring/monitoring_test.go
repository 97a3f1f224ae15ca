package monitoring

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requests.jsonl")
	tr, err := NewTracker(true, false, path)
	require.NoError(t, err)

	tr.RecordRequest(&RequestEvent{RequestID: "r1", Model: "gemini-3-pro-high", StatusCode: 200})
	tr.RecordRequest(&RequestEvent{RequestID: "r2", Model: "gemini-3-pro-high", StatusCode: 429, ErrorKind: "RateLimitError"})
	tr.RecordAccount(&AccountEvent{Account: "a@x.com", Change: "rate_limited", ResetMs: 30000})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev RequestEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		ids = append(ids, ev.RequestID)
	}
	assert.Equal(t, []string{"r1", "r2"}, ids)

	// Account events land in a sibling file.
	_, err = os.Stat(filepath.Join(dir, "accounts.jsonl"))
	assert.NoError(t, err)
}

func TestTrackerDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	tr, err := NewTracker(false, false, path)
	require.NoError(t, err)
	tr.RecordRequest(&RequestEvent{RequestID: "r1"})
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	mc.RecordRequest(true, true)
	mc.RecordRequest(false, false)
	mc.RecordRateLimit()
	mc.RecordFailover()
	mc.RecordUsage(100, 25, 40)

	stats := mc.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(1), stats.Streaming)
	assert.Equal(t, int64(1), stats.RateLimitHits)
	assert.Equal(t, int64(1), stats.Failovers)
	assert.Equal(t, int64(100), stats.InputTokens)
	assert.Equal(t, int64(25), stats.OutputTokens)
	assert.Equal(t, int64(40), stats.CachedTokens)
}

func TestUsageLogRoundTrip(t *testing.T) {
	u, err := OpenUsageLog(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer u.Close()

	require.NoError(t, u.Record("a@x.com", "gemini-3-pro-high", 100, 20, 0, true, 1))
	require.NoError(t, u.Record("a@x.com", "gemini-3-pro-high", 50, 10, 25, false, 2))
	require.NoError(t, u.Record("b@x.com", "gemini-3-flash", 10, 5, 0, true, 1))

	totals, err := u.TotalsByAccount(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "a@x.com", totals[0].Account)
	assert.Equal(t, int64(2), totals[0].Requests)
	assert.Equal(t, int64(150), totals[0].InputTokens)
	assert.Equal(t, int64(30), totals[0].OutputTokens)
	assert.Equal(t, int64(25), totals[0].CachedTokens)
}

func TestEstimateTokensNonZero(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Greater(t, EstimateTokens("hello world, this is a sentence"), int64(0))
}
