// Package resettime extracts a cooldown duration from upstream rate-limit
// responses.
//
// DESIGN: Upstream 429s encode "come back later" in at least nine different
// places: standard headers, Google RPC retry info embedded in JSON bodies,
// and free text. Parse tries each source in a fixed precedence order and
// returns milliseconds. Any value that resolves below one second is raised
// to a two-second floor so a bogus hint cannot cause a zero-wait retry storm.
package resettime

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gravitygw/gravity-gateway/internal/config"
)

var (
	quotaResetDelayRe = regexp.MustCompile(`"quotaResetDelay"\s*:\s*"([0-9.]+)(ms|s)"`)
	quotaResetStampRe = regexp.MustCompile(`"quotaResetTimeStamp"\s*:\s*"([^"]+)"`)
	retryDelaySecsRe  = regexp.MustCompile(`"(?:retry-after-ms|retryDelay)"\s*:\s*"([0-9.]+)s"`)
	retryDelayMsRe    = regexp.MustCompile(`"(?:retry-after-ms|retryDelay)"\s*:\s*"?([0-9]+)"?`)
	retryAfterTextRe  = regexp.MustCompile(`(?i)retry after (\d+) seconds?`)
	durationTextRe    = regexp.MustCompile(`(?:(\d+)h)?(?:(\d+)m)?(\d+(?:\.\d+)?)s`)
	resetStampTextRe  = regexp.MustCompile(`(?i)reset:?\s*(\d{4}-\d{2}-\d{2}T[0-9:.]+(?:Z|[+-]\d{2}:\d{2}))`)
)

// Parse extracts a cooldown in milliseconds from response headers and/or a
// raw error body. The second return is false when no source matched; the
// caller substitutes its default cooldown.
func Parse(headers http.Header, body string) (int64, bool) {
	now := time.Now()

	if headers != nil {
		if ms, ok := fromHeaders(headers, now); ok {
			return floor(ms), true
		}
	}
	if body != "" {
		if ms, ok := fromBody(body, now); ok {
			return floor(ms), true
		}
	}
	return 0, false
}

func fromHeaders(h http.Header, now time.Time) (int64, bool) {
	// 1. Retry-After: integer seconds, else an HTTP date.
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return int64(secs) * 1000, true
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return d.Milliseconds(), true
			}
		}
	}

	// 2. x-ratelimit-reset: Unix seconds timestamp.
	if v := strings.TrimSpace(h.Get("x-ratelimit-reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d.Milliseconds(), true
			}
		}
	}

	// 3. x-ratelimit-reset-after: seconds.
	if v := strings.TrimSpace(h.Get("x-ratelimit-reset-after")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return int64(secs * 1000), true
		}
	}

	return 0, false
}

func fromBody(body string, now time.Time) (int64, bool) {
	// 4. quotaResetDelay: "250ms" or "2.5s".
	if m := quotaResetDelayRe.FindStringSubmatch(body); m != nil {
		val, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			if m[2] == "ms" {
				return int64(val), true
			}
			return int64(val * 1000), true
		}
	}

	// 5. quotaResetTimeStamp: ISO-8601. A concrete timestamp is trusted
	// even when it has already passed; the floor handles the rest.
	if m := quotaResetStampRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return t.Sub(now).Milliseconds(), true
		}
	}

	// 6. retry-after-ms / retryDelay: "30s" decimal first, then bare ms.
	if m := retryDelaySecsRe.FindStringSubmatch(body); m != nil {
		if val, err := strconv.ParseFloat(m[1], 64); err == nil {
			return int64(val * 1000), true
		}
	}
	if m := retryDelayMsRe.FindStringSubmatch(body); m != nil {
		if val, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return val, true
		}
	}

	// Structured google.rpc.RetryInfo, same information behind a stable
	// path when the body is valid JSON.
	if gjson.Valid(body) {
		if ms, ok := fromRetryInfo(body); ok {
			return ms, true
		}
	}

	// 7. Free text "retry after N seconds".
	if m := retryAfterTextRe.FindStringSubmatch(body); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return secs * 1000, true
		}
	}

	// 8. Free text HhMmSs / MmSs / Ss duration.
	if m := durationTextRe.FindStringSubmatch(body); m != nil {
		var total float64
		if m[1] != "" {
			h, _ := strconv.ParseFloat(m[1], 64)
			total += h * 3600
		}
		if m[2] != "" {
			mm, _ := strconv.ParseFloat(m[2], 64)
			total += mm * 60
		}
		s, _ := strconv.ParseFloat(m[3], 64)
		total += s
		if total > 0 {
			return int64(total * 1000), true
		}
	}

	// 9. Free text "reset: <ISO timestamp>", positive deltas only.
	if m := resetStampTextRe.FindStringSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			if d := t.Sub(now); d > 0 {
				return d.Milliseconds(), true
			}
		}
	}

	return 0, false
}

// fromRetryInfo walks error.details for RetryInfo's retryDelay field.
func fromRetryInfo(body string) (int64, bool) {
	details := gjson.Get(body, "error.details")
	if !details.IsArray() {
		return 0, false
	}
	for _, d := range details.Array() {
		delay := d.Get("retryDelay").String()
		if delay == "" {
			continue
		}
		if dur, err := time.ParseDuration(delay); err == nil && dur > 0 {
			return dur.Milliseconds(), true
		}
	}
	return 0, false
}

func floor(ms int64) int64 {
	if ms < config.MinResetMs {
		return config.ResetFloorMs
	}
	return ms
}
