package pool

import (
	"math"
	"sync"
	"time"
)

const (
	failurePenalty = 0.25
	bucketCapacity = 3.0
	bucketRefill   = 1.0 / 30.0 // tokens per second
)

type healthState struct {
	score      float64
	lastUpdate time.Time
	tokens     float64
	lastRefill time.Time
}

// HybridStrategy biases selection toward accounts with a good recent
// track record. Failures subtract from a per-account health score that
// decays back toward 1.0 over the decay window; a small token bucket
// smooths bursts so one unhealthy account is not hammered the moment
// its score recovers. Accounts scoring below the floor are skipped
// while any healthier account can serve; the circular fallback keeps a
// sole surviving account in rotation.
type HybridStrategy struct {
	mu          sync.Mutex
	floor       float64
	decayWindow time.Duration
	health      map[string]*healthState
	now         func() time.Time
}

func NewHybridStrategy(floor float64, decayWindow time.Duration) *HybridStrategy {
	return &HybridStrategy{
		floor:       floor,
		decayWindow: decayWindow,
		health:      make(map[string]*healthState),
		now:         time.Now,
	}
}

func (h *HybridStrategy) Name() string { return "hybrid" }

func (h *HybridStrategy) SelectAccount(accounts []*Account, modelID string, opts SelectOptions) SelectionResult {
	now := opts.now()
	n := len(accounts)
	if n == 0 {
		return SelectionResult{Index: -1}
	}

	cur := opts.CurrentIndex
	if cur < 0 || cur >= n {
		cur = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	bestIdx, bestScore := -1, -1.0
	for off := 0; off < n; off++ {
		idx := (cur + off) % n
		acct := accounts[idx]
		if !acct.Usable(modelID, now) {
			continue
		}
		st := h.state(acct.Email, now)
		h.refill(st, now)
		if st.tokens < 1 {
			continue
		}
		score := h.decayedScore(st, now)
		if score < h.floor {
			continue
		}
		if score > bestScore {
			bestIdx, bestScore = idx, score
		}
	}

	// Bucket exhaustion or floor exclusion can leave usable accounts
	// unpicked; fall back to plain circular order rather than stalling.
	if bestIdx == -1 {
		if idx, acct := scanForward(accounts, modelID, cur-1, now); acct != nil {
			return SelectionResult{Account: acct, Index: idx}
		}
		if ClearExpiredLimits(accounts, now) > 0 {
			if idx, acct := scanForward(accounts, modelID, cur-1, now); acct != nil {
				return SelectionResult{Account: acct, Index: idx}
			}
		}
		return SelectionResult{Index: cur, WaitMs: MinWaitTimeMs(accounts, modelID, now)}
	}

	st := h.health[accounts[bestIdx].Email]
	st.tokens--
	return SelectionResult{Account: accounts[bestIdx], Index: bestIdx}
}

func (h *HybridStrategy) OnSuccess(account *Account, _ string) {
	h.adjust(account, 0)
}

func (h *HybridStrategy) OnRateLimit(account *Account, _ string) {
	h.adjust(account, failurePenalty)
}

func (h *HybridStrategy) OnFailure(account *Account, _ string) {
	h.adjust(account, failurePenalty)
}

func (h *HybridStrategy) adjust(account *Account, penalty float64) {
	if account == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	st := h.state(account.Email, now)
	score := h.decayedScore(st, now) - penalty
	if score < 0 {
		score = 0
	}
	st.score = score
	st.lastUpdate = now
}

// Score returns the current decayed health score for an account.
// Unknown accounts score 1.0.
func (h *HybridStrategy) Score(email string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.health[email]
	if !ok {
		return 1.0
	}
	return h.decayedScore(st, h.now())
}

func (h *HybridStrategy) state(email string, now time.Time) *healthState {
	st, ok := h.health[email]
	if !ok {
		st = &healthState{score: 1.0, lastUpdate: now, tokens: bucketCapacity, lastRefill: now}
		h.health[email] = st
	}
	return st
}

// decayedScore moves the stored score back toward 1.0 exponentially
// over the decay window, floored so a recovering account never looks
// worse than it last did.
func (h *HybridStrategy) decayedScore(st *healthState, now time.Time) float64 {
	elapsed := now.Sub(st.lastUpdate)
	if elapsed <= 0 {
		return st.score
	}
	deficit := 1.0 - st.score
	return 1.0 - deficit*math.Exp(-elapsed.Seconds()/h.decayWindow.Seconds())
}

func (h *HybridStrategy) refill(st *healthState, now time.Time) {
	elapsed := now.Sub(st.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	st.tokens = math.Min(bucketCapacity, st.tokens+elapsed*bucketRefill)
	st.lastRefill = now
}
