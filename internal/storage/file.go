package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tgsigner/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <dir>/<name>.json        (one document each, replaced atomically)
//   - <prefix>.journal.jsonl   (append-only JSON Lines)
//   - <prefix>.journal.jsonl.1 (previous journal after rotation)
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex

	journalPath  string
	journalFile  *os.File
	journalBytes int64
	rotateAt     int64
}

const defaultJournalRotate = 8 << 20

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journalPath := prefix + ".journal.jsonl"
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	var size int64
	if fi, err := jf.Stat(); err == nil {
		size = fi.Size()
	}

	return &fileStore{
		log:          log,
		dir:          dir,
		journalPath:  journalPath,
		journalFile:  jf,
		journalBytes: size,
		rotateAt:     defaultJournalRotate,
	}, nil
}

func (s *fileStore) docPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *fileStore) Get(ctx context.Context, name string) ([]byte, bool, error) {
	_ = ctx
	if err := checkName(name); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, false, ErrClosed
	}
	b, err := os.ReadFile(s.docPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) Put(ctx context.Context, name string, data []byte) error {
	_ = ctx
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.docPath(name), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendJournal(ctx context.Context, e JournalEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	n, err := s.journalFile.Write(line)
	s.journalBytes += int64(n)
	if err != nil {
		return err
	}
	if s.rotateAt > 0 && s.journalBytes >= s.rotateAt {
		// Best-effort rotate.
		if err := s.rotateLocked(); err != nil {
			s.log.Debug("journal rotate failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) rotateLocked() error {
	if err := s.journalFile.Close(); err != nil {
		return err
	}
	s.journalFile = nil
	if err := os.Rename(s.journalPath, s.journalPath+".1"); err != nil {
		s.log.Debug("journal rename failed", logx.Err(err))
	}
	jf, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.journalFile = jf
	s.journalBytes = 0
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}
