package pool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravitygw/gravity-gateway/internal/config"
)

func testAccountsConfig(strategy string) config.AccountsConfig {
	return config.AccountsConfig{
		Strategy:          strategy,
		TolerableWait:     60 * time.Second,
		HealthFloor:       0.3,
		HealthDecayWindow: 5 * time.Minute,
	}
}

func newTestPool(t *testing.T, accounts []*Account, now time.Time, opts ...PoolOption) (*AccountPool, *atomic.Int32) {
	t.Helper()
	var saves atomic.Int32
	s, err := NewStrategy(testAccountsConfig("sticky"))
	require.NoError(t, err)
	opts = append(opts, WithClock(fixedClock(now)))
	p := New(accounts, 0, s, func([]*Account, int) error {
		saves.Add(1)
		return nil
	}, opts...)
	t.Cleanup(p.Close)
	return p, &saves
}

// waitSaves blocks until the writer goroutine has applied want snapshots.
func waitSaves(t *testing.T, saves *atomic.Int32, want int32) {
	t.Helper()
	require.Eventually(t, func() bool { return saves.Load() == want },
		2*time.Second, 2*time.Millisecond)
}

func TestPoolSelectPersistsAndTouches(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{
		limitedAccount("a@x.com", now.UnixMilli()+60_000),
		newAccount("b@x.com"),
	}
	p, saves := newTestPool(t, accounts, now)

	res := p.Select(testModel)
	require.NotNil(t, res.Account)
	assert.Equal(t, "b@x.com", res.Account.Email)
	assert.Equal(t, 1, res.Index)
	require.NotNil(t, res.Account.LastUsed)
	assert.Equal(t, now.UnixMilli(), *res.Account.LastUsed)
	waitSaves(t, saves, 1)

	// Affinity: the next select stays on b.
	res = p.Select(testModel)
	assert.Equal(t, "b@x.com", res.Account.Email)
}

func TestPoolSelectAllLimited(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{limitedAccount("a@x.com", now.UnixMilli()+10_000)}
	p, saves := newTestPool(t, accounts, now)

	res := p.Select(testModel)
	assert.Nil(t, res.Account)
	assert.Equal(t, int64(10_000), res.WaitMs)

	// A miss mutates nothing, so closing flushes zero snapshots.
	p.Close()
	assert.EqualValues(t, 0, saves.Load())
}

func TestPoolMarkRateLimited(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{newAccount("a@x.com")}
	p, saves := newTestPool(t, accounts, now)

	require.True(t, p.MarkRateLimited("a@x.com", 30_000, testModel))
	assert.True(t, p.AllRateLimited(testModel))
	assert.Equal(t, int64(30_000), p.MinWaitMs(testModel))
	waitSaves(t, saves, 1)

	assert.False(t, p.MarkRateLimited("ghost@x.com", 30_000, testModel))
}

func TestPoolMarkRateLimitedCooldownFallback(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{newAccount("a@x.com")}
	p, _ := newTestPool(t, accounts, now, WithDefaultCooldown(90*time.Second))

	// No reset hint from upstream, so the configured cooldown applies.
	require.True(t, p.MarkRateLimited("a@x.com", 0, testModel))
	entry := accounts[0].ModelLimits[testModel]
	require.NotNil(t, entry.ActualResetMs)
	assert.Equal(t, int64(90_000), *entry.ActualResetMs)
	assert.Equal(t, int64(90_000), p.MinWaitMs(testModel))
}

func TestPoolMarkInvalid(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{newAccount("a@x.com"), newAccount("b@x.com")}
	p, _ := newTestPool(t, accounts, now)

	require.True(t, p.MarkInvalid("a@x.com", "invalid_grant"))
	res := p.Select(testModel)
	require.NotNil(t, res.Account)
	assert.Equal(t, "b@x.com", res.Account.Email)
}

func TestPoolResetAll(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{limitedAccount("a@x.com", now.UnixMilli()+60_000)}
	p, _ := newTestPool(t, accounts, now)

	require.True(t, p.AllRateLimited(testModel))
	p.ResetAll()
	assert.False(t, p.AllRateLimited(testModel))
}

func TestPoolPersistRunsOutsideLock(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	s, err := NewStrategy(testAccountsConfig("sticky"))
	require.NoError(t, err)

	var p *AccountPool
	done := make(chan []*Account, 1)
	p = New([]*Account{newAccount("a@x.com")}, 0, s, func(accounts []*Account, _ int) error {
		// Re-entering the pool from the save callback must not deadlock.
		p.Status()
		done <- accounts
		return nil
	}, WithClock(fixedClock(now)))
	t.Cleanup(p.Close)

	require.True(t, p.MarkRateLimited("a@x.com", 30_000, testModel))
	select {
	case saved := <-done:
		require.Len(t, saved, 1)
		assert.True(t, saved[0].ModelLimits[testModel].IsRateLimited)
	case <-time.After(2 * time.Second):
		t.Fatal("save callback never ran")
	}
}

func TestPoolPersistSnapshotIsolated(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	s, err := NewStrategy(testAccountsConfig("sticky"))
	require.NoError(t, err)

	done := make(chan []*Account, 4)
	p := New([]*Account{newAccount("a@x.com")}, 0, s, func(accounts []*Account, _ int) error {
		done <- accounts
		return nil
	}, WithClock(fixedClock(now)))
	t.Cleanup(p.Close)

	require.True(t, p.MarkRateLimited("a@x.com", 30_000, testModel))
	var saved []*Account
	select {
	case saved = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("save callback never ran")
	}

	// Later mutations must not reach an already-queued snapshot.
	p.ResetAll()
	assert.True(t, saved[0].ModelLimits[testModel].IsRateLimited)
}

func TestPoolStatusSnapshot(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	accounts := []*Account{
		newAccount("a@x.com"),
		limitedAccount("b@x.com", now.UnixMilli()+20_000),
	}
	p, _ := newTestPool(t, accounts, now)

	snap := p.Status()
	assert.Equal(t, "sticky", snap.Strategy)
	require.Len(t, snap.Accounts, 2)
	assert.True(t, snap.Accounts[0].Active)
	info, ok := snap.Accounts[1].RateLimits[testModel]
	require.True(t, ok)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, int64(20_000), info.WaitMs)
}

func TestPoolOnChange(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	p, _ := newTestPool(t, []*Account{newAccount("a@x.com")}, now)

	var got []StatusSnapshot
	p.OnChange(func(s StatusSnapshot) { got = append(got, s) })

	p.MarkRateLimited("a@x.com", 5_000, testModel)
	require.Len(t, got, 1)
	assert.True(t, got[0].Accounts[0].RateLimits[testModel].IsRateLimited)
}
