package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS broadcasts (
    id           TEXT PRIMARY KEY,
    channels     TEXT NOT NULL,
    payload      TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    scheduled_at INTEGER NOT NULL,
    last_error   TEXT,
    completed_at INTEGER,
    delivered    TEXT,
    metadata     TEXT
);
CREATE INDEX IF NOT EXISTS idx_broadcasts_due ON broadcasts(status, scheduled_at);
`

// sqliteStore is the transactional alternative to the file driver: one row
// per task, so a mutation touches only its own row instead of rewriting the
// whole list.
type sqliteStore struct {
	db    *sql.DB
	clock Clock
	log   logx.Logger
}

func openSQLite(cfg Config, clock Clock, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue migrate: %w", err)
	}
	return &sqliteStore{db: db, clock: clock, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Enqueue(ctx context.Context, channels []string, payload map[string]any, opts *EnqueueOptions) (Task, error) {
	now := s.clock().UnixMilli()
	t := Task{
		ID:          uuid.NewString(),
		Channels:    append([]string(nil), channels...),
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	if opts != nil {
		if opts.ScheduledAt > 0 {
			t.ScheduledAt = opts.ScheduledAt
		}
		t.Metadata = opts.Metadata
	}

	chJSON, err := json.Marshal(t.Channels)
	if err != nil {
		return Task{}, err
	}
	plJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return Task{}, err
	}
	var metaJSON any
	if t.Metadata != nil {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return Task{}, err
		}
		metaJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, channels, payload, status, attempts, created_at, scheduled_at, metadata)
		 VALUES(?,?,?,?,?,?,?,?)`,
		t.ID, string(chJSON), string(plJSON), t.Status, t.Attempts, t.CreatedAt, t.ScheduledAt, metaJSON,
	)
	if err != nil {
		return Task{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return t.clone(), nil
}

func (s *sqliteStore) FetchDue(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 5
	}
	now := s.clock().UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channels, payload, status, attempts, created_at, scheduled_at, last_error, completed_at, delivered, metadata
		 FROM broadcasts WHERE status = ? AND scheduled_at <= ? ORDER BY rowid LIMIT ?`,
		StatusPending, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusSent, s.clock().UnixMilli(), id, StatusPending,
	)
	return err
}

func (s *sqliteStore) MarkRetry(ctx context.Context, id string, errMsg string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM broadcasts WHERE id = ? AND status = ?`, id, StatusPending,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	attempts++
	now := s.clock()
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx,
			`UPDATE broadcasts SET attempts = ?, last_error = ?, status = ?, completed_at = ? WHERE id = ?`,
			attempts, errMsg, StatusFailed, now.UnixMilli(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE broadcasts SET attempts = ?, last_error = ?, scheduled_at = ? WHERE id = ?`,
			attempts, errMsg, now.Add(Backoff(attempts)).UnixMilli(), id,
		)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string, channel string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT delivered FROM broadcasts WHERE id = ?`, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	var delivered []string
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &delivered); err != nil {
			return fmt.Errorf("queue delivered decode: %w", err)
		}
	}
	for _, c := range delivered {
		if c == channel {
			return tx.Commit()
		}
	}
	delivered = append(delivered, channel)
	b, err := json.Marshal(delivered)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE broadcasts SET delivered = ? WHERE id = ?`, string(b), id,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, last_error = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StatusFailed, errMsg, s.clock().UnixMilli(), id, StatusPending,
	)
	return err
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channels, payload, status, attempts, created_at, scheduled_at, last_error, completed_at, delivered, metadata
		 FROM broadcasts WHERE status = ? ORDER BY rowid`,
		StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *sqliteStore) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcasts WHERE status != ? AND completed_at > 0 AND completed_at < ?`,
		StatusPending, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broadcasts`)
	return err
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var (
			t         Task
			chRaw     string
			plRaw     string
			lastErr   sql.NullString
			completed sql.NullInt64
			delivered sql.NullString
			meta      sql.NullString
		)
		if err := rows.Scan(&t.ID, &chRaw, &plRaw, &t.Status, &t.Attempts,
			&t.CreatedAt, &t.ScheduledAt, &lastErr, &completed, &delivered, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chRaw), &t.Channels); err != nil {
			return nil, fmt.Errorf("queue channels decode: %w", err)
		}
		if err := json.Unmarshal([]byte(plRaw), &t.Payload); err != nil {
			return nil, fmt.Errorf("queue payload decode: %w", err)
		}
		t.LastError = lastErr.String
		t.CompletedAt = completed.Int64
		if delivered.Valid && delivered.String != "" {
			if err := json.Unmarshal([]byte(delivered.String), &t.Delivered); err != nil {
				return nil, fmt.Errorf("queue delivered decode: %w", err)
			}
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("queue metadata decode: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
