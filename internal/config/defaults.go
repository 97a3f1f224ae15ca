// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultServerPort is the inbound listener port.
const DefaultServerPort = 18080

// DefaultServerReadTimeout for the inbound HTTP server.
const DefaultServerReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout for the inbound HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// =============================================================================
// ACCOUNT POOL
// =============================================================================

// DefaultAccountsPath is where the account store lives.
const DefaultAccountsPath = "accounts.json"

// DefaultStrategy is the selection strategy used when none is configured.
// Sticky preserves upstream prompt caching across turns.
const DefaultStrategy = "sticky"

// DefaultMaxAttempts caps account failovers for one inbound request.
const DefaultMaxAttempts = 3

// DefaultCooldown is applied when a rate-limit response carries no usable
// reset hint.
const DefaultCooldown = 60 * time.Second

// DefaultTolerableWait is how long the sticky strategy is willing to wait
// out the current account's cooldown instead of switching accounts.
const DefaultTolerableWait = 60 * time.Second

// FallbackMinWait is returned by the ledger when every account is limited
// but no reset time can be computed (inconsistent state).
const FallbackMinWait = 30 * time.Second

// DefaultHealthFloor excludes an account from hybrid selection once its
// health score decays below this value.
const DefaultHealthFloor = 0.3

// DefaultHealthDecayWindow is the time constant for failure decay in the
// hybrid health score.
const DefaultHealthDecayWindow = 5 * time.Minute

// =============================================================================
// RESET TIME PARSING
// =============================================================================

// MinResetMs is the smallest cooldown the parser will return as-is.
const MinResetMs = 1000

// ResetFloorMs replaces any parsed cooldown below MinResetMs, preventing
// zero-wait retry storms.
const ResetFloorMs = 2000

// =============================================================================
// SIGNATURES
// =============================================================================

// MinSignatureLength is the shortest thought signature considered
// meaningful; shorter values are dropped rather than replayed.
const MinSignatureLength = 50

// ToolSignatureTTL bounds the toolUseID -> signature cache.
const ToolSignatureTTL = 30 * time.Minute

// SignatureFamilyTTL bounds the signature -> model family cache.
const SignatureFamilyTTL = 2 * time.Hour

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamTimeout bounds non-streaming upstream calls.
const DefaultUpstreamTimeout = 5 * time.Minute

// DefaultUserAgent is sent on upstream requests.
const DefaultUserAgent = "antigravity/1.11.5 linux/amd64"

// StreamScannerBuffer is the max size of one upstream stream line (10MB).
const StreamScannerBuffer = 10 * 1024 * 1024

// CapacityRetryCap bounds the ramped delay used after "no capacity
// available" responses.
const CapacityRetryCap = 2 * time.Second
