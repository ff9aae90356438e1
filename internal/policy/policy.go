// Package policy is the read-only allow/deny oracle consulted before any
// send: a safe-mode kill switch, a room allow-list, and per-room feature
// flags, loaded from a runtime config file that operators edit while the bot
// is running.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "relaybot/pkg/logx"
)

// Feature names a gated capability. The set is closed; unknown names deny.
type Feature string

const (
	FeatureBroadcast Feature = "broadcast"
	FeatureSchedules Feature = "schedules"
	FeatureWelcome   Feature = "welcome"
	FeatureAnnounce  Feature = "announce"
)

// runtimeConfig mirrors the on-disk runtime policy file.
//
// Example (JSON or YAML):
//
//	{
//	  "safe_mode": false,
//	  "allowed_room_ids": ["1001", "1002"],
//	  "features": {"1001": {"broadcast": true, "announce": true}}
//	}
type runtimeConfig struct {
	SafeMode       bool                       `json:"safe_mode" yaml:"safe_mode"`
	AllowedRoomIDs []string                   `json:"allowed_room_ids" yaml:"allowed_room_ids"`
	Features       map[string]map[string]bool `json:"features" yaml:"features"`
}

// Oracle answers policy queries from an in-memory snapshot of the runtime
// file. Queries never touch disk; Watch() keeps the snapshot fresh.
//
// Semantics are default-deny: a room must be on the allow-list AND have the
// feature explicitly enabled.
type Oracle struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	cfg runtimeConfig
}

func New(path string, log logx.Logger) *Oracle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Oracle{path: path, log: log}
}

// Load reads the runtime file into the snapshot. A missing file is an empty
// (deny-everything except safe mode off) policy, not an error.
func (o *Oracle) Load() error {
	b, err := os.ReadFile(o.path)
	if errors.Is(err, os.ErrNotExist) {
		o.mu.Lock()
		o.cfg = runtimeConfig{}
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}

	var cfg runtimeConfig
	ext := strings.ToLower(filepath.Ext(o.path))
	if ext == ".yaml" || ext == ".yml" {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
	o.log.Debug("policy reloaded",
		logx.Bool("safe_mode", cfg.SafeMode),
		logx.Int("allowed_rooms", len(cfg.AllowedRoomIDs)))
	return nil
}

// GloballyDisabled reports the safe-mode kill switch.
func (o *Oracle) GloballyDisabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg.SafeMode
}

// ChannelAllowed reports whether feature may run in the given room.
func (o *Oracle) ChannelAllowed(roomID string, feature Feature) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	allowed := false
	for _, id := range o.cfg.AllowedRoomIDs {
		if id == roomID {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	return o.cfg.Features[roomID][string(feature)]
}

// Watch reloads the snapshot when the runtime file changes. Reloads are
// debounced so editors that write in several steps trigger one reload; a
// parse failure keeps the previous snapshot.
func (o *Oracle) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(o.path)
	file := filepath.Base(o.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := o.Load(); err != nil {
				o.log.Warn("policy reload failed; keeping previous snapshot",
					logx.String("path", o.path), logx.Err(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				o.log.Warn("policy watch error", logx.Err(err))
			}
		}
	}
}
