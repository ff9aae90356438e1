package queue

import (
	"errors"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Config selects and configures the queue backend.
//
// Driver values:
//   - "file": whole-list JSON file, atomically replaced on every mutation
//   - "sqlite": SQLite database file, one row per task
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store and loads existing state. Loading
// happens here, once, at startup; a missing backing file is an empty queue,
// not an error.
func Open(cfg Config, clock Clock, log logx.Logger) (Store, error) {
	if clock == nil {
		clock = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, clock, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, clock, log)
	default:
		return nil, errors.New("unknown queue driver: " + cfg.Driver)
	}
}
