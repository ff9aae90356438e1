package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "relaybot/pkg/logx"
)

// fileStore keeps the whole task list in memory and rewrites it to disk on
// every mutation. The file is the unit of durability: write to a temp file
// in the same directory, then rename over the target, so a crash mid-write
// never truncates the queue.
//
// If the write fails, the in-memory list is rolled back to the last durably
// written state and the error is returned to the caller.
type fileStore struct {
	mu sync.Mutex

	path  string
	clock Clock
	log   logx.Logger

	tasks  []Task
	closed bool
}

func openFile(cfg Config, clock Clock, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("queue.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{path: path, clock: clock, log: log}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// empty queue
	case err != nil:
		return nil, fmt.Errorf("queue load: %w", err)
	default:
		if err := json.Unmarshal(b, &s.tasks); err != nil {
			return nil, fmt.Errorf("queue load %s: %w", path, err)
		}
	}

	log.Debug("queue loaded", logx.String("path", path), logx.Int("tasks", len(s.tasks)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) Enqueue(ctx context.Context, channels []string, payload map[string]any, opts *EnqueueOptions) (Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Task{}, ErrClosed
	}

	now := s.clock().UnixMilli()
	t := Task{
		ID:          uuid.NewString(),
		Channels:    append([]string(nil), channels...),
		Payload:     payload,
		Status:      StatusPending,
		Attempts:    0,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	if opts != nil {
		if opts.ScheduledAt > 0 {
			t.ScheduledAt = opts.ScheduledAt
		}
		t.Metadata = opts.Metadata
	}

	s.tasks = append(s.tasks, t)
	if err := s.persistLocked(); err != nil {
		s.tasks = s.tasks[:len(s.tasks)-1]
		return Task{}, err
	}
	return t.clone(), nil
}

func (s *fileStore) FetchDue(ctx context.Context, limit int) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 5
	}

	now := s.clock().UnixMilli()
	var due []Task
	for i := range s.tasks {
		if len(due) >= limit {
			break
		}
		t := &s.tasks[i]
		if t.Status == StatusPending && t.ScheduledAt <= now {
			due = append(due, t.clone())
		}
	}
	return due, nil
}

func (s *fileStore) MarkSuccess(ctx context.Context, id string) error {
	_ = ctx
	return s.mutatePending(id, func(t *Task) {
		t.Status = StatusSent
		t.CompletedAt = s.clock().UnixMilli()
	})
}

func (s *fileStore) MarkRetry(ctx context.Context, id string, errMsg string, maxAttempts int) error {
	_ = ctx
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return s.mutatePending(id, func(t *Task) {
		t.Attempts++
		t.LastError = errMsg
		if t.Attempts >= maxAttempts {
			t.Status = StatusFailed
			t.CompletedAt = s.clock().UnixMilli()
			return
		}
		t.ScheduledAt = s.clock().Add(Backoff(t.Attempts)).UnixMilli()
	})
}

func (s *fileStore) MarkDelivered(ctx context.Context, id string, channel string) error {
	_ = ctx
	return s.mutate(id, func(t *Task) {
		if t.DeliveredTo(channel) {
			return
		}
		t.Delivered = append(t.Delivered, channel)
	})
}

func (s *fileStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_ = ctx
	return s.mutatePending(id, func(t *Task) {
		t.Status = StatusFailed
		t.LastError = errMsg
		t.CompletedAt = s.clock().UnixMilli()
	})
}

func (s *fileStore) ListActive(ctx context.Context) ([]Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Task
	for i := range s.tasks {
		if s.tasks[i].Status == StatusPending {
			out = append(out, s.tasks[i].clone())
		}
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, retention time.Duration) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	cutoff := s.clock().Add(-retention).UnixMilli()
	kept := s.tasks[:0:0]
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.Status != StatusPending && t.CompletedAt > 0 && t.CompletedAt < cutoff {
			continue
		}
		kept = append(kept, *t)
	}
	removed := len(s.tasks) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	old := s.tasks
	s.tasks = kept
	if err := s.persistLocked(); err != nil {
		s.tasks = old
		return 0, err
	}
	return removed, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	old := s.tasks
	s.tasks = nil
	if err := s.persistLocked(); err != nil {
		s.tasks = old
		return err
	}
	return nil
}

// mutate applies fn to the task with the given id and persists. Unknown ids
// are a silent no-op. On persist failure the previous task value is
// restored so memory never runs ahead of disk.
func (s *fileStore) mutate(id string, fn func(*Task)) error {
	return s.apply(id, false, fn)
}

// mutatePending is mutate restricted to pending tasks: a late mark must
// not restart a task that already reached a terminal status.
func (s *fileStore) mutatePending(id string, fn func(*Task)) error {
	return s.apply(id, true, fn)
}

func (s *fileStore) apply(id string, pendingOnly bool, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range s.tasks {
		if s.tasks[i].ID != id {
			continue
		}
		if pendingOnly && s.tasks[i].Status != StatusPending {
			return nil
		}
		prev := s.tasks[i].clone()
		fn(&s.tasks[i])
		if err := s.persistLocked(); err != nil {
			s.tasks[i] = prev
			return err
		}
		return nil
	}
	return nil
}

func (s *fileStore) persistLocked() error {
	b, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return err
	}
	if s.tasks == nil {
		b = []byte("[]")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("queue persist: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("queue persist: %w", err)
	}
	return nil
}
