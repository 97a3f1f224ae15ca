// Package store persists the account file: the account list, the active
// selection index, and free-form settings.
//
// DESIGN: One JSON file, written atomically via a temp file rename so a
// crash mid-save never corrupts the pool. In-memory state stays
// authoritative; concurrent saves may race and the last write wins.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gravitygw/gravity-gateway/internal/pool"
)

// File is the on-disk shape of the account store.
type File struct {
	Accounts    []*pool.Account `json:"accounts"`
	ActiveIndex int             `json:"activeIndex"`
	Settings    json.RawMessage `json:"settings,omitempty"`
}

// Store reads and writes one account file.
type Store struct {
	mu   sync.Mutex
	path string

	// settings is carried through saves untouched.
	settings json.RawMessage
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads the account file. A missing file yields an empty store, not
// an error, so a fresh install starts clean.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file %s: %w", s.path, err)
	}
	s.settings = f.Settings
	return &f, nil
}

// Save writes the account list and active index atomically.
func (s *Store) Save(accounts []*pool.Account, activeIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := File{
		Accounts:    accounts,
		ActiveIndex: activeIndex,
		Settings:    s.settings,
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal accounts file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create accounts dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace accounts file: %w", err)
	}

	log.Debug().Str("path", s.path).Int("accounts", len(accounts)).Msg("account state saved")
	return nil
}

// UpdateSettings replaces the opaque settings blob carried through saves.
func (s *Store) UpdateSettings(settings json.RawMessage) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}
