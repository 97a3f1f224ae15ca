package pool

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/config"
)

// Ledger operations are pure functions over the account slice: no hidden
// state beyond the accounts themselves. The pool serializes access.

// IsAllRateLimited is true when the list is empty, or when modelID is given
// and every account is invalid, disabled, or under an unexpired limit for
// that model. Limiting is modeled per model only, so with no modelID the
// answer is always false for a non-empty list.
func IsAllRateLimited(accounts []*Account, modelID string, now time.Time) bool {
	if len(accounts) == 0 {
		return true
	}
	if modelID == "" {
		return false
	}
	for _, a := range accounts {
		if a.Usable(modelID, now) {
			return false
		}
		// Invalid and disabled accounts count as blocked, not free.
	}
	return true
}

// ListAvailable filters out invalid, disabled, and (for modelID) limited
// accounts.
func ListAvailable(accounts []*Account, modelID string, now time.Time) []*Account {
	out := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Usable(modelID, now) {
			out = append(out, a)
		}
	}
	return out
}

// ClearExpiredLimits turns off every model entry whose reset time has
// passed and returns the count cleared. This is the only place expired
// entries are switched off; read paths double-check ResetTime defensively.
func ClearExpiredLimits(accounts []*Account, now time.Time) int {
	nowMs := now.UnixMilli()
	cleared := 0
	for _, a := range accounts {
		for model, entry := range a.ModelLimits {
			if entry.ResetTime != nil && *entry.ResetTime <= nowMs {
				a.ModelLimits[model] = RateLimitEntry{}
				cleared++
			}
		}
	}
	if cleared > 0 {
		log.Debug().Int("cleared", cleared).Msg("expired rate limits cleared")
	}
	return cleared
}

// ResetAllRateLimits unconditionally clears every entry for every account.
// Used by the optimistic retry mode that prefers a wasted request over
// stale blocking.
func ResetAllRateLimits(accounts []*Account) {
	for _, a := range accounts {
		for model := range a.ModelLimits {
			a.ModelLimits[model] = RateLimitEntry{}
		}
	}
}

// MarkRateLimited sets or overwrites the entry for account+model. A missing
// or non-positive resetMs falls back to the given cooldown, or the built-in
// default when that is zero too. Returns false when the account is not
// found.
func MarkRateLimited(accounts []*Account, email string, resetMs int64, modelID string, fallback time.Duration, now time.Time) bool {
	a := findAccount(accounts, email)
	if a == nil {
		return false
	}
	effective := resetMs
	if effective <= 0 {
		if fallback <= 0 {
			fallback = config.DefaultCooldown
		}
		effective = fallback.Milliseconds()
	}
	resetAt := now.UnixMilli() + effective
	if a.ModelLimits == nil {
		a.ModelLimits = make(map[string]RateLimitEntry)
	}
	a.ModelLimits[modelID] = RateLimitEntry{
		IsRateLimited: true,
		ResetTime:     &resetAt,
		ActualResetMs: &effective,
	}
	log.Info().
		Str("account", email).
		Str("model", modelID).
		Int64("reset_ms", effective).
		Msg("account rate limited")
	return true
}

// MarkInvalid flags the account as unusable until re-authentication clears
// it externally. Idempotent; existing rate-limit entries are kept.
func MarkInvalid(accounts []*Account, email, reason string, now time.Time) bool {
	a := findAccount(accounts, email)
	if a == nil {
		return false
	}
	if a.IsInvalid {
		return true
	}
	ms := now.UnixMilli()
	a.IsInvalid = true
	a.InvalidReason = reason
	a.InvalidAt = &ms
	log.Warn().Str("account", email).Str("reason", reason).Msg("account marked invalid")
	return true
}

// MinWaitTimeMs is 0 while any account can serve modelID, otherwise the
// smallest positive remaining cooldown across accounts, or a fallback
// constant when no reset time can be computed from the (inconsistent)
// state.
func MinWaitTimeMs(accounts []*Account, modelID string, now time.Time) int64 {
	if !IsAllRateLimited(accounts, modelID, now) {
		return 0
	}
	nowMs := now.UnixMilli()
	var min int64 = -1
	for _, a := range accounts {
		entry, ok := a.ModelLimits[modelID]
		if !ok || entry.ResetTime == nil {
			continue
		}
		remaining := *entry.ResetTime - nowMs
		if remaining <= 0 {
			continue
		}
		if min < 0 || remaining < min {
			min = remaining
		}
	}
	if min < 0 {
		return config.FallbackMinWait.Milliseconds()
	}
	return min
}

// RateLimitInfo reports one account/model pair. IsRateLimited is recomputed
// from the remaining wait rather than trusted from the stored flag, so
// callers never see a stale true after the reset time has passed.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ActualResetMs int64 `json:"actualResetMs,omitempty"`
	WaitMs        int64 `json:"waitMs"`
}

// GetRateLimitInfo returns the rate-limit view for one account and model.
func GetRateLimitInfo(accounts []*Account, email, modelID string, now time.Time) RateLimitInfo {
	a := findAccount(accounts, email)
	if a == nil {
		return RateLimitInfo{}
	}
	entry, ok := a.ModelLimits[modelID]
	if !ok || entry.ResetTime == nil {
		return RateLimitInfo{}
	}
	wait := *entry.ResetTime - now.UnixMilli()
	if wait < 0 {
		wait = 0
	}
	info := RateLimitInfo{
		IsRateLimited: wait > 0,
		WaitMs:        wait,
	}
	if entry.ActualResetMs != nil {
		info.ActualResetMs = *entry.ActualResetMs
	}
	return info
}

func findAccount(accounts []*Account, email string) *Account {
	for _, a := range accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}
