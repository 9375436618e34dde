package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("storage document not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per document plus a jsonl send journal
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "memory", "none" or empty: in-process only, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists small named JSON documents (rule module state) and an
// append-only journal of dispatch outcomes.
type Store interface {
	// Get returns the document stored under name; ok is false when absent.
	Get(ctx context.Context, name string) (data []byte, ok bool, err error)
	Put(ctx context.Context, name string, data []byte) error
	AppendJournal(ctx context.Context, e JournalEntry) error
	Close() error
}

// JournalEntry records one dispatcher outcome.
// Keep it compact and schema-stable.
type JournalEntry struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	Payload    string        `json:"payload"`
	Key        string        `json:"key,omitempty"`
	Outcome    string        `json:"outcome"`
	MessageID  int           `json:"message_id,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Error      string        `json:"error,omitempty"`
}

var reDocName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidName reports whether name can be used as a document name. Names map
// to file names in the file driver, so path separators are rejected.
func ValidName(name string) bool { return reDocName.MatchString(name) }

func checkName(name string) error {
	if !ValidName(name) {
		return fmt.Errorf("storage: invalid document name %q", name)
	}
	return nil
}

// LoadJSON decodes document name into v. It reports false, leaving v
// untouched, when the document does not exist.
func LoadJSON(ctx context.Context, s Store, name string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("storage: decode %s: %w", name, err)
	}
	return true, nil
}

// SaveJSON encodes v and stores it as document name.
func SaveJSON(ctx context.Context, s Store, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", name, err)
	}
	return s.Put(ctx, name, data)
}
