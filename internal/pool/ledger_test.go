package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "gemini-3-pro-high"

func msPtr(v int64) *int64 { return &v }

func newAccount(email string) *Account {
	return &Account{Email: email, Source: "oauth", Enabled: true}
}

func limitedAccount(email string, resetAt int64) *Account {
	a := newAccount(email)
	a.ModelLimits = map[string]RateLimitEntry{
		testModel: {IsRateLimited: true, ResetTime: msPtr(resetAt)},
	}
	return a
}

func TestIsAllRateLimited(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	t.Run("empty list is always limited", func(t *testing.T) {
		assert.True(t, IsAllRateLimited(nil, testModel, now))
		assert.True(t, IsAllRateLimited([]*Account{}, "", now))
	})

	t.Run("no model id means never limited", func(t *testing.T) {
		accounts := []*Account{limitedAccount("a@x.com", now.UnixMilli()+60_000)}
		assert.False(t, IsAllRateLimited(accounts, "", now))
	})

	t.Run("all limited for model", func(t *testing.T) {
		accounts := []*Account{
			limitedAccount("a@x.com", now.UnixMilli()+60_000),
			limitedAccount("b@x.com", now.UnixMilli()+30_000),
		}
		assert.True(t, IsAllRateLimited(accounts, testModel, now))
	})

	t.Run("expired limit reads as free", func(t *testing.T) {
		accounts := []*Account{limitedAccount("a@x.com", now.UnixMilli()-1)}
		assert.False(t, IsAllRateLimited(accounts, testModel, now))
	})

	t.Run("invalid accounts count as blocked", func(t *testing.T) {
		a := newAccount("a@x.com")
		a.IsInvalid = true
		assert.True(t, IsAllRateLimited([]*Account{a}, testModel, now))
	})
}

func TestClearExpiredLimits(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	expired := limitedAccount("old@x.com", now.UnixMilli()) // boundary: <= now clears
	live := limitedAccount("live@x.com", now.UnixMilli()+1)

	cleared := ClearExpiredLimits([]*Account{expired, live}, now)
	assert.Equal(t, 1, cleared)
	assert.False(t, expired.ModelLimits[testModel].IsRateLimited)
	assert.True(t, live.ModelLimits[testModel].IsRateLimited)
}

func TestMarkRateLimited(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{newAccount("a@x.com")}

	t.Run("explicit reset", func(t *testing.T) {
		require.True(t, MarkRateLimited(accounts, "a@x.com", 45_000, testModel, 0, now))
		entry := accounts[0].ModelLimits[testModel]
		require.NotNil(t, entry.ResetTime)
		assert.Equal(t, now.UnixMilli()+45_000, *entry.ResetTime)
		assert.Equal(t, int64(45_000), *entry.ActualResetMs)
	})

	t.Run("non-positive reset falls back to the given cooldown", func(t *testing.T) {
		require.True(t, MarkRateLimited(accounts, "a@x.com", 0, testModel, 90*time.Second, now))
		assert.Equal(t, int64(90_000), *accounts[0].ModelLimits[testModel].ActualResetMs)
	})

	t.Run("zero cooldown falls back to the built-in default", func(t *testing.T) {
		require.True(t, MarkRateLimited(accounts, "a@x.com", 0, testModel, 0, now))
		assert.Equal(t, int64(60_000), *accounts[0].ModelLimits[testModel].ActualResetMs)
	})

	t.Run("unknown account", func(t *testing.T) {
		assert.False(t, MarkRateLimited(accounts, "ghost@x.com", 1000, testModel, 0, now))
	})
}

func TestMarkInvalid(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	a := limitedAccount("a@x.com", now.UnixMilli()+60_000)
	accounts := []*Account{a}

	require.True(t, MarkInvalid(accounts, "a@x.com", "invalid_grant", now))
	assert.True(t, a.IsInvalid)
	assert.Equal(t, "invalid_grant", a.InvalidReason)
	// Existing cooldowns survive invalidation.
	assert.True(t, a.ModelLimits[testModel].IsRateLimited)

	// Idempotent: a second mark keeps the original reason.
	require.True(t, MarkInvalid(accounts, "a@x.com", "other", now))
	assert.Equal(t, "invalid_grant", a.InvalidReason)
}

func TestMinWaitTimeMs(t *testing.T) {
	now := time.UnixMilli(1_000_000)

	t.Run("zero while any account is usable", func(t *testing.T) {
		accounts := []*Account{limitedAccount("a@x.com", now.UnixMilli()+60_000), newAccount("b@x.com")}
		assert.Equal(t, int64(0), MinWaitTimeMs(accounts, testModel, now))
	})

	t.Run("smallest remaining cooldown", func(t *testing.T) {
		accounts := []*Account{
			limitedAccount("a@x.com", now.UnixMilli()+60_000),
			limitedAccount("b@x.com", now.UnixMilli()+15_000),
		}
		assert.Equal(t, int64(15_000), MinWaitTimeMs(accounts, testModel, now))
	})

	t.Run("fallback when no reset is computable", func(t *testing.T) {
		a := newAccount("a@x.com")
		a.IsInvalid = true
		assert.Equal(t, int64(30_000), MinWaitTimeMs([]*Account{a}, testModel, now))
	})
}

func TestGetRateLimitInfo(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	a := limitedAccount("a@x.com", now.UnixMilli()+20_000)
	a.ModelLimits[testModel] = RateLimitEntry{
		IsRateLimited: true,
		ResetTime:     msPtr(now.UnixMilli() + 20_000),
		ActualResetMs: msPtr(20_000),
	}
	accounts := []*Account{a}

	info := GetRateLimitInfo(accounts, "a@x.com", testModel, now)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, int64(20_000), info.WaitMs)
	assert.Equal(t, int64(20_000), info.ActualResetMs)

	// Past the reset: stale flag must not leak through.
	later := now.Add(21 * time.Second)
	info = GetRateLimitInfo(accounts, "a@x.com", testModel, later)
	assert.False(t, info.IsRateLimited)
	assert.Equal(t, int64(0), info.WaitMs)
}
