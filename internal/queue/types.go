package queue

import (
	"context"
	"errors"
	"time"
)

// Status is the task state machine: pending -> sent | failed, both terminal.
// A retry keeps a task pending and only advances scheduledAt.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Task is one durable unit of outbound broadcast work.
//
// Timestamps are epoch milliseconds to stay wire-compatible with queue files
// written by earlier deployments.
type Task struct {
	ID       string         `json:"id"`
	Channels []string       `json:"channels"`
	Payload  map[string]any `json:"payload"`
	Status   Status         `json:"status"`
	Attempts int            `json:"attempts"`

	CreatedAt   int64 `json:"createdAt"`
	ScheduledAt int64 `json:"scheduledAt"`

	LastError   string `json:"lastError,omitempty"`
	CompletedAt int64  `json:"completedAt,omitempty"`

	// Delivered lists channels that already received this task in an earlier
	// attempt, so a retry does not re-send to them.
	Delivered []string `json:"delivered,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// DeliveredTo reports whether channel already received this task.
func (t Task) DeliveredTo(channel string) bool {
	for _, c := range t.Delivered {
		if c == channel {
			return true
		}
	}
	return false
}

// clone returns a defensive copy; callers must never be able to reach the
// store's internal state.
func (t Task) clone() Task {
	cp := t
	cp.Channels = append([]string(nil), t.Channels...)
	cp.Delivered = append([]string(nil), t.Delivered...)
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// EnqueueOptions carries optional enqueue parameters.
type EnqueueOptions struct {
	// ScheduledAt is epoch ms; zero means "now".
	ScheduledAt int64
	Metadata    map[string]any
}

const DefaultMaxAttempts = 3

// Backoff returns the delay before retry attempt n (1-based):
// 2s, 8s, 18s, 32s, 50s, then capped at 60s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := 2_000 * int64(attempt) * int64(attempt)
	if ms > 60_000 {
		ms = 60_000
	}
	return time.Duration(ms) * time.Millisecond
}

var ErrClosed = errors.New("queue store closed")

// Store is the durable dispatch queue. Implementations assume a single
// writer process; mutations are serialized internally but the backing
// storage is not safe under concurrent writer processes.
//
// MarkSuccess, MarkRetry, MarkDelivered and MarkFailed on an unknown id are
// no-ops: duplicate completion signals are expected under retry races.
type Store interface {
	Enqueue(ctx context.Context, channels []string, payload map[string]any, opts *EnqueueOptions) (Task, error)
	FetchDue(ctx context.Context, limit int) ([]Task, error)
	MarkSuccess(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, errMsg string, maxAttempts int) error
	// MarkDelivered records a per-channel delivery inside a pending task.
	MarkDelivered(ctx context.Context, id string, channel string) error
	// MarkFailed terminates a task immediately (permanent content failures).
	MarkFailed(ctx context.Context, id string, errMsg string) error
	ListActive(ctx context.Context) ([]Task, error)
	// Prune drops terminal (sent/failed) tasks completed before the
	// retention window; returns how many were removed.
	Prune(ctx context.Context, retention time.Duration) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// Clock is injected so tests can pin "now".
type Clock func() time.Time
