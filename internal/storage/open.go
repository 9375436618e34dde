package storage

import (
	"errors"
	"strings"

	logx "tgsigner/pkg/logx"
)

// Open initializes the configured store. An empty driver (or "none")
// selects the in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none", "memory":
		if driver != "memory" {
			log.Warn("storage disabled; state will not survive restarts")
		}
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
