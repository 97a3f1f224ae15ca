package pool

import (
	"time"

	"github.com/rs/zerolog/log"
)

// StickyStrategy keeps using the current account until it stops being
// usable, then rotates forward. When every account is cooling down and
// the shortest cooldown is tolerable, it reports a wait instead of
// rotating, so the caller can pause and keep the same affinity.
type StickyStrategy struct {
	// TolerableWait caps how long a full-pool cooldown may be before
	// the wait is surfaced as an error rather than a pause hint.
	TolerableWait time.Duration
}

func (s *StickyStrategy) Name() string { return "sticky" }

func (s *StickyStrategy) SelectAccount(accounts []*Account, modelID string, opts SelectOptions) SelectionResult {
	now := opts.now()
	n := len(accounts)
	if n == 0 {
		return SelectionResult{Index: -1}
	}

	cur := opts.CurrentIndex
	if cur < 0 || cur >= n {
		cur = 0
	}

	// Affinity: stay on the current account while it works.
	if accounts[cur].Usable(modelID, now) {
		return SelectionResult{Account: accounts[cur], Index: cur}
	}

	if idx, acct := scanForward(accounts, modelID, cur, now); acct != nil {
		log.Debug().
			Str("from", accounts[cur].Email).
			Str("to", acct.Email).
			Str("model", modelID).
			Msg("sticky rotation")
		return SelectionResult{Account: acct, Index: idx}
	}

	// Whole pool is cooling down. Clearing expired entries can free an
	// account whose reset passed between Usable checks.
	if ClearExpiredLimits(accounts, now) > 0 {
		if idx, acct := scanForward(accounts, modelID, cur-1, now); acct != nil {
			return SelectionResult{Account: acct, Index: idx}
		}
	}

	wait := MinWaitTimeMs(accounts, modelID, now)
	if wait > 0 && wait <= s.TolerableWait.Milliseconds() {
		log.Info().
			Int64("wait_ms", wait).
			Str("model", modelID).
			Msg("all accounts rate limited, pausing within tolerable wait")
	}
	return SelectionResult{Index: cur, WaitMs: wait}
}

func (s *StickyStrategy) OnSuccess(*Account, string)   {}
func (s *StickyStrategy) OnRateLimit(*Account, string) {}
func (s *StickyStrategy) OnFailure(*Account, string)   {}
