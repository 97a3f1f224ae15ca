// Package signature tracks thought signatures across turns.
//
// Upstream models attach opaque signature tokens to reasoning and tool-call
// output which must be replayed verbatim on later turns of the same model
// family. Mixing signatures across families corrupts the conversation, so
// the registry also remembers which family produced each signature.
//
// DESIGN: An explicit registry object with injected clock and TTLs,
// constructed once per process and passed by reference, rather than
// package-level shared maps. Entries expire passively: reads past the TTL
// return absent and evict lazily; there is no background sweeper.
package signature

import (
	"strings"
	"sync"
	"time"
)

// Family identifies the model family that produced a signature.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// FamilyForModel derives the family from a model id.
func FamilyForModel(model string) Family {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

type toolEntry struct {
	signature string
	storedAt  time.Time
}

type familyEntry struct {
	family   Family
	storedAt time.Time
}

// Registry is a time-bounded store for tool signatures and signature
// origins. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	now       func() time.Time
	toolTTL   time.Duration
	familyTTL time.Duration
	tools     map[string]toolEntry
	families  map[string]familyEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry with the given TTLs.
func NewRegistry(toolTTL, familyTTL time.Duration, opts ...Option) *Registry {
	r := &Registry{
		now:       time.Now,
		toolTTL:   toolTTL,
		familyTTL: familyTTL,
		tools:     make(map[string]toolEntry),
		families:  make(map[string]familyEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StoreToolSignature associates a tool-use id with the signature that must
// be replayed alongside it. Writes overwrite.
func (r *Registry) StoreToolSignature(toolUseID, sig string) {
	if toolUseID == "" || sig == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[toolUseID] = toolEntry{signature: sig, storedAt: r.now()}
}

// ToolSignature returns the signature cached for a tool-use id, or false if
// absent or expired.
func (r *Registry) ToolSignature(toolUseID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[toolUseID]
	if !ok {
		return "", false
	}
	if r.now().Sub(e.storedAt) > r.toolTTL {
		delete(r.tools, toolUseID)
		return "", false
	}
	return e.signature, true
}

// StoreFamily remembers which model family produced a signature value.
func (r *Registry) StoreFamily(sig string, fam Family) {
	if sig == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[sig] = familyEntry{family: fam, storedAt: r.now()}
}

// FamilyOf returns the origin family of a signature, or false if unknown or
// expired.
func (r *Registry) FamilyOf(sig string) (Family, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.families[sig]
	if !ok {
		return "", false
	}
	if r.now().Sub(e.storedAt) > r.familyTTL {
		delete(r.families, sig)
		return "", false
	}
	return e.family, true
}

// Len reports current entry counts, for the status endpoint.
func (r *Registry) Len() (tools, families int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools), len(r.families)
}
