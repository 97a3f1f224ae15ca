// Package pool owns the upstream account list: per-account per-model
// rate-limit and validity state, and the pluggable selection strategies that
// pick which account serves each request.
package pool

import (
	"encoding/json"
	"time"
)

// RateLimitEntry marks one account as cooling down for one model.
// Invariant: IsRateLimited=false implies ResetTime=nil. A ResetTime in the
// past means the entry is logically expired and reads as not-rate-limited
// even before lazy cleanup turns it off.
type RateLimitEntry struct {
	IsRateLimited bool   `json:"isRateLimited"`
	ResetTime     *int64 `json:"resetTime,omitempty"`     // absolute unix ms
	ActualResetMs *int64 `json:"actualResetMs,omitempty"` // duration applied when marked
}

// Account is one authenticated upstream identity.
//
// The engine only ever sets IsInvalid; clearing it is the job of
// re-authentication, outside this package. Subscription and Quota are
// opaque upstream blobs passed through unmodified.
type Account struct {
	Email         string                    `json:"email"`
	Source        string                    `json:"source"`
	Enabled       bool                      `json:"enabled"`
	IsInvalid     bool                      `json:"isInvalid,omitempty"`
	InvalidReason string                    `json:"invalidReason,omitempty"`
	InvalidAt     *int64                    `json:"invalidAt,omitempty"` // unix ms
	LastUsed      *int64                    `json:"lastUsed,omitempty"`  // unix ms
	ProjectID     string                    `json:"projectId,omitempty"`
	RefreshToken  string                    `json:"refreshToken,omitempty"`
	ModelLimits   map[string]RateLimitEntry `json:"modelRateLimits,omitempty"`
	Subscription  json.RawMessage           `json:"subscription,omitempty"`
	Quota         json.RawMessage           `json:"quota,omitempty"`
}

// Usable reports whether the account can serve modelID right now: enabled,
// not invalid, and without an unexpired rate limit for that model.
func (a *Account) Usable(modelID string, now time.Time) bool {
	if a == nil || !a.Enabled || a.IsInvalid {
		return false
	}
	if modelID == "" {
		return true
	}
	entry, ok := a.ModelLimits[modelID]
	if !ok || !entry.IsRateLimited || entry.ResetTime == nil {
		return true
	}
	// Expired entries read as free even before cleanup runs.
	return *entry.ResetTime <= now.UnixMilli()
}

// Clone returns a copy safe to read after the pool lock is released.
// Subscription and Quota are treated as immutable and stay shared.
func (a *Account) Clone() *Account {
	cp := *a
	if a.InvalidAt != nil {
		v := *a.InvalidAt
		cp.InvalidAt = &v
	}
	if a.LastUsed != nil {
		v := *a.LastUsed
		cp.LastUsed = &v
	}
	if a.ModelLimits != nil {
		cp.ModelLimits = make(map[string]RateLimitEntry, len(a.ModelLimits))
		for model, entry := range a.ModelLimits {
			if entry.ResetTime != nil {
				v := *entry.ResetTime
				entry.ResetTime = &v
			}
			if entry.ActualResetMs != nil {
				v := *entry.ActualResetMs
				entry.ActualResetMs = &v
			}
			cp.ModelLimits[model] = entry
		}
	}
	return &cp
}

// Touch updates LastUsed to now.
func (a *Account) Touch(now time.Time) {
	ms := now.UnixMilli()
	a.LastUsed = &ms
}
