package pool

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SaveFunc persists the account list and active index. The pool invokes
// it from a dedicated writer goroutine with a snapshot cloned under the
// lock, so implementations may block on I/O and may call back into the
// pool.
type SaveFunc func(accounts []*Account, activeIndex int) error

type saveState struct {
	accounts    []*Account
	activeIndex int
}

// AccountPool owns the account list and the selection cursor, and
// serializes all mutation behind one mutex. Selection strategies stay
// pure over the slice; the pool adds persistence and notification.
// Persistence is fire-and-forget: mutations enqueue a snapshot and a
// single writer goroutine applies the newest one, last write wins.
type AccountPool struct {
	mu          sync.Mutex
	accounts    []*Account
	activeIndex int
	strategy    Strategy
	save        SaveFunc
	cooldown    time.Duration
	now         func() time.Time
	closed      bool

	saveCh   chan saveState
	saveDone chan struct{}

	onChange []func(StatusSnapshot)
}

type PoolOption func(*AccountPool)

// WithClock overrides the pool's clock, for tests.
func WithClock(now func() time.Time) PoolOption {
	return func(p *AccountPool) { p.now = now }
}

// WithDefaultCooldown sets the cooldown applied when an upstream rate
// limit carries no usable reset hint.
func WithDefaultCooldown(d time.Duration) PoolOption {
	return func(p *AccountPool) { p.cooldown = d }
}

func New(accounts []*Account, activeIndex int, strategy Strategy, save SaveFunc, opts ...PoolOption) *AccountPool {
	if activeIndex < 0 || activeIndex >= len(accounts) {
		activeIndex = 0
	}
	p := &AccountPool{
		accounts:    accounts,
		activeIndex: activeIndex,
		strategy:    strategy,
		save:        save,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.save != nil {
		p.saveCh = make(chan saveState, 1)
		p.saveDone = make(chan struct{})
		go p.saveLoop()
	}
	return p
}

// Close flushes any pending snapshot and stops the persistence writer.
// Idempotent. Mutations after Close are no longer persisted.
func (p *AccountPool) Close() {
	if p.saveCh == nil {
		return
	}
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if already {
		return
	}
	close(p.saveCh)
	<-p.saveDone
}

// OnChange registers a callback invoked after any state mutation with a
// fresh status snapshot. Callbacks run outside the pool lock.
func (p *AccountPool) OnChange(fn func(StatusSnapshot)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// Select picks an account for modelID. A nil Account with WaitMs > 0
// means every account is cooling down; the caller decides whether the
// wait is tolerable.
func (p *AccountPool) Select(modelID string) SelectionResult {
	p.mu.Lock()
	now := p.now()
	res := p.strategy.SelectAccount(p.accounts, modelID, SelectOptions{
		CurrentIndex: p.activeIndex,
		Now:          p.now,
	})
	if res.Account != nil {
		p.activeIndex = res.Index
		res.Account.Touch(now)
		p.persistLocked()
	}
	p.mu.Unlock()
	p.notify()
	return res
}

// MarkRateLimited records a model-scoped cooldown on an account and
// notifies the strategy so adaptive scoring sees the event.
func (p *AccountPool) MarkRateLimited(email string, resetMs int64, modelID string) bool {
	p.mu.Lock()
	ok := MarkRateLimited(p.accounts, email, resetMs, modelID, p.cooldown, p.now())
	var acct *Account
	if ok {
		acct = findAccount(p.accounts, email)
		p.persistLocked()
	}
	p.mu.Unlock()
	if ok {
		p.strategy.OnRateLimit(acct, modelID)
		p.notify()
	}
	return ok
}

// MarkInvalid flags an account as needing re-authentication. The flag
// is never cleared here; only a credential refresh path may clear it.
func (p *AccountPool) MarkInvalid(email, reason string) bool {
	p.mu.Lock()
	ok := MarkInvalid(p.accounts, email, reason, p.now())
	if ok {
		p.persistLocked()
	}
	p.mu.Unlock()
	if ok {
		p.notify()
	}
	return ok
}

// ReportSuccess feeds a successful completion back to the strategy.
func (p *AccountPool) ReportSuccess(email, modelID string) {
	p.mu.Lock()
	acct := findAccount(p.accounts, email)
	p.mu.Unlock()
	if acct != nil {
		p.strategy.OnSuccess(acct, modelID)
	}
}

// ReportFailure feeds a non-rate-limit upstream failure to the strategy.
func (p *AccountPool) ReportFailure(email, modelID string) {
	p.mu.Lock()
	acct := findAccount(p.accounts, email)
	p.mu.Unlock()
	if acct != nil {
		p.strategy.OnFailure(acct, modelID)
	}
}

// ClearExpired drops cooldowns whose reset time has passed.
func (p *AccountPool) ClearExpired() int {
	p.mu.Lock()
	n := ClearExpiredLimits(p.accounts, p.now())
	if n > 0 {
		p.persistLocked()
	}
	p.mu.Unlock()
	if n > 0 {
		p.notify()
	}
	return n
}

// ResetAll clears every rate limit on every account.
func (p *AccountPool) ResetAll() {
	p.mu.Lock()
	ResetAllRateLimits(p.accounts)
	p.persistLocked()
	p.mu.Unlock()
	p.notify()
}

// AllRateLimited reports whether no account can serve modelID right now.
func (p *AccountPool) AllRateLimited(modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return IsAllRateLimited(p.accounts, modelID, p.now())
}

// MinWaitMs returns the shortest wait until some account frees up for
// modelID, or 0 when one is already usable.
func (p *AccountPool) MinWaitMs(modelID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return MinWaitTimeMs(p.accounts, modelID, p.now())
}

func (p *AccountPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// AccountStatus is one row of a pool status snapshot.
type AccountStatus struct {
	Email       string                   `json:"email"`
	Enabled     bool                     `json:"enabled"`
	IsInvalid   bool                     `json:"isInvalid"`
	Active      bool                     `json:"active"`
	LastUsed    *int64                   `json:"lastUsed,omitempty"`
	RateLimits  map[string]RateLimitInfo `json:"rateLimits,omitempty"`
	HealthScore *float64                 `json:"healthScore,omitempty"`
}

// StatusSnapshot is a point-in-time view of the pool, safe to serialize.
type StatusSnapshot struct {
	Strategy    string          `json:"strategy"`
	ActiveIndex int             `json:"activeIndex"`
	Accounts    []AccountStatus `json:"accounts"`
	Timestamp   int64           `json:"timestamp"`
}

// Status builds a snapshot of every account's availability.
func (p *AccountPool) Status() StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *AccountPool) statusLocked() StatusSnapshot {
	now := p.now()
	hybrid, _ := p.strategy.(*HybridStrategy)
	snap := StatusSnapshot{
		Strategy:    p.strategy.Name(),
		ActiveIndex: p.activeIndex,
		Timestamp:   now.UnixMilli(),
		Accounts:    make([]AccountStatus, 0, len(p.accounts)),
	}
	for i, acct := range p.accounts {
		st := AccountStatus{
			Email:     acct.Email,
			Enabled:   acct.Enabled,
			IsInvalid: acct.IsInvalid,
			Active:    i == p.activeIndex,
			LastUsed:  acct.LastUsed,
		}
		if len(acct.ModelLimits) > 0 {
			st.RateLimits = make(map[string]RateLimitInfo, len(acct.ModelLimits))
			for model := range acct.ModelLimits {
				st.RateLimits[model] = GetRateLimitInfo(p.accounts, acct.Email, model, now)
			}
		}
		if hybrid != nil {
			score := hybrid.Score(acct.Email)
			st.HealthScore = &score
		}
		snap.Accounts = append(snap.Accounts, st)
	}
	return snap
}

// persistLocked queues a cloned snapshot for the writer goroutine.
// Caller holds p.mu. A still-pending older snapshot is replaced.
func (p *AccountPool) persistLocked() {
	if p.saveCh == nil || p.closed {
		return
	}
	st := saveState{
		accounts:    make([]*Account, len(p.accounts)),
		activeIndex: p.activeIndex,
	}
	for i, a := range p.accounts {
		st.accounts[i] = a.Clone()
	}
	for {
		select {
		case p.saveCh <- st:
			return
		default:
		}
		select {
		case <-p.saveCh:
		default:
		}
	}
}

func (p *AccountPool) saveLoop() {
	defer close(p.saveDone)
	for st := range p.saveCh {
		if err := p.save(st.accounts, st.activeIndex); err != nil {
			log.Error().Err(err).Msg("failed to persist account state")
		}
	}
}

func (p *AccountPool) notify() {
	p.mu.Lock()
	if len(p.onChange) == 0 {
		p.mu.Unlock()
		return
	}
	fns := make([]func(StatusSnapshot), len(p.onChange))
	copy(fns, p.onChange)
	snap := p.statusLocked()
	p.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
