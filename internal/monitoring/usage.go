package monitoring

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// UsageLog keeps a queryable per-account token ledger in SQLite, so pool
// operators can see which account burned which quota after the fact.
type UsageLog struct {
	db *sql.DB
}

// OpenUsageLog opens (and if needed creates) the usage database.
func OpenUsageLog(path string) (*UsageLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			at          TEXT NOT NULL,
			account     TEXT NOT NULL,
			model       TEXT NOT NULL,
			input_tok   INTEGER NOT NULL,
			output_tok  INTEGER NOT NULL,
			cached_tok  INTEGER NOT NULL,
			streaming   INTEGER NOT NULL,
			attempts    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_account ON usage(account);
		CREATE INDEX IF NOT EXISTS idx_usage_at ON usage(at);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}
	return &UsageLog{db: db}, nil
}

// Record appends one usage row.
func (u *UsageLog) Record(account, model string, input, output, cached int64, streaming bool, attempts int) error {
	_, err := u.db.Exec(`
		INSERT INTO usage (at, account, model, input_tok, output_tok, cached_tok, streaming, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		account, model, input, output, cached,
		boolToInt(streaming), attempts,
	)
	if err != nil {
		return fmt.Errorf("record usage for %q: %w", account, err)
	}
	return nil
}

// AccountTotals is the aggregated view for one account.
type AccountTotals struct {
	Account      string `json:"account"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CachedTokens int64  `json:"cached_tokens"`
}

// TotalsByAccount aggregates usage since the given time.
func (u *UsageLog) TotalsByAccount(since time.Time) ([]AccountTotals, error) {
	rows, err := u.db.Query(`
		SELECT account, COUNT(*), SUM(input_tok), SUM(output_tok), SUM(cached_tok)
		FROM usage WHERE at >= ?
		GROUP BY account ORDER BY SUM(input_tok) + SUM(output_tok) DESC`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	var out []AccountTotals
	for rows.Next() {
		var t AccountTotals
		if err := rows.Scan(&t.Account, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.CachedTokens); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (u *UsageLog) Close() error { return u.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
