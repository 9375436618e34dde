package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a Store that keeps everything in process.
type Memory struct {
	mu      sync.Mutex
	docs    map[string][]byte
	journal []JournalEntry
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, name string) ([]byte, bool, error) {
	if err := checkName(name); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	b, ok := m.docs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) Put(_ context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.docs[name] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) AppendJournal(_ context.Context, e JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.journal = append(m.journal, e)
	return nil
}

// Journal returns a copy of the entries appended so far.
func (m *Memory) Journal() []JournalEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]JournalEntry(nil), m.journal...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
