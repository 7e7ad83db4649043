// Package store persists pending queue entries across process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vloganathane/creb-compute/pkg/queue"
	"github.com/vloganathane/creb-compute/pkg/types"

	_ "modernc.org/sqlite"
)

const createPendingTasksTable = `
CREATE TABLE IF NOT EXISTS pending_tasks (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    payload     TEXT,
    priority    INTEGER NOT NULL,
    timeout_ns  INTEGER NOT NULL,
    retry_limit INTEGER NOT NULL,
    metadata    TEXT,
    created_at  INTEGER NOT NULL,
    enqueued_at INTEGER NOT NULL
)`

// Compile-time interface satisfaction check.
var _ queue.Snapshotter = (*SQLiteStore)(nil)

// SQLiteStore implements queue.Snapshotter using SQLite. Each Save replaces
// the whole snapshot; the table only ever holds the latest pending set.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createPendingTasksTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending_tasks table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot with the given pending entries.
func (s *SQLiteStore) Save(ctx context.Context, entries []queue.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_tasks"); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pending_tasks (
			id, kind, payload, priority, timeout_ns, retry_limit,
			metadata, created_at, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		payload, err := json.Marshal(e.Task.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for task %s: %w", e.Task.ID, err)
		}
		var metadata []byte
		if len(e.Task.Metadata) > 0 {
			if metadata, err = json.Marshal(e.Task.Metadata); err != nil {
				return fmt.Errorf("encode metadata for task %s: %w", e.Task.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			e.Task.ID, string(e.Task.Kind), string(payload), int(e.Task.Priority),
			int64(e.Task.Timeout), e.Task.RetryLimit, string(metadata),
			e.Task.CreatedAt.UnixNano(), e.EnqueuedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", e.Task.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns every stored entry in enqueue order. Expiry filtering is the
// caller's job; the store only reports what was saved.
func (s *SQLiteStore) Load(ctx context.Context) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, priority, timeout_ns, retry_limit,
			metadata, created_at, enqueued_at
		FROM pending_tasks ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	var entries []queue.Entry
	for rows.Next() {
		var (
			id, kind, payload, metadata string
			priority, retryLimit        int
			timeoutNs                   int64
			createdAt, enqueuedAt       int64
		)
		if err := rows.Scan(&id, &kind, &payload, &priority, &timeoutNs,
			&retryLimit, &metadata, &createdAt, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}

		task := types.Task{
			ID:         id,
			Kind:       types.CalcKind(kind),
			Priority:   types.Priority(priority),
			Timeout:    time.Duration(timeoutNs),
			RetryLimit: retryLimit,
			CreatedAt:  time.Unix(0, createdAt),
		}
		if payload != "" {
			var raw json.RawMessage = []byte(payload)
			task.Payload = raw
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for task %s: %w", id, err)
			}
		}

		entries = append(entries, queue.Entry{Task: task, EnqueuedAt: time.Unix(0, enqueuedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending tasks: %w", err)
	}
	return entries, nil
}
