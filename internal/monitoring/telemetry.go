// Package monitoring records per-request telemetry.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per
// line), appended immediately after each event. UsageLog keeps a queryable
// per-account token ledger in SQLite; MetricsCollector holds in-process
// counters served by /stats.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// RequestEvent is one gateway request, start to finish.
type RequestEvent struct {
	Timestamp    string `json:"timestamp"`
	RequestID    string `json:"request_id"`
	Model        string `json:"model"`
	Account      string `json:"account,omitempty"`
	Streaming    bool   `json:"streaming"`
	Attempts     int    `json:"attempts"`
	StatusCode   int    `json:"status_code"`
	ErrorKind    string `json:"error_kind,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CachedTokens int64  `json:"cached_tokens,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// AccountEvent marks a pool state change (rate limit, invalidation).
type AccountEvent struct {
	Timestamp string `json:"timestamp"`
	Account   string `json:"account"`
	Model     string `json:"model,omitempty"`
	Change    string `json:"change"`
	ResetMs   int64  `json:"reset_ms,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Tracker appends telemetry events to JSONL files.
type Tracker struct {
	enabled     bool
	logToStdout bool

	requestLogPath string
	accountLogPath string
	mu             sync.Mutex
}

// NewTracker creates a tracker. With an empty logPath only stdout logging
// (when enabled) remains active.
func NewTracker(enabled, logToStdout bool, logPath string) (*Tracker, error) {
	t := &Tracker{enabled: enabled, logToStdout: logToStdout}
	if !enabled || logPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		return nil, err
	}
	t.requestLogPath = logPath
	t.accountLogPath = filepath.Join(filepath.Dir(logPath), "accounts.jsonl")
	return t, nil
}

// RecordRequest records one finished request.
func (t *Tracker) RecordRequest(event *RequestEvent) {
	if !t.enabled {
		return
	}
	if t.logToStdout {
		log.Info().
			Str("request_id", event.RequestID).
			Str("model", event.Model).
			Str("account", event.Account).
			Int("attempts", event.Attempts).
			Int("status", event.StatusCode).
			Int64("in", event.InputTokens).
			Int64("out", event.OutputTokens).
			Int64("ms", event.DurationMs).
			Msg("request")
	}
	t.append(t.requestLogPath, event)
}

// RecordAccount records a pool state change.
func (t *Tracker) RecordAccount(event *AccountEvent) {
	if !t.enabled {
		return
	}
	t.append(t.accountLogPath, event)
}

func (t *Tracker) append(path string, event any) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := appendJSONL(path, event); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("telemetry write failed")
	}
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
