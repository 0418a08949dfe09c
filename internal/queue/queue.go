// Copyright 2026 TRAPD Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the agent's crash-safe, single-writer-per-
// process durable queue: a four-state item lifecycle (Pending, Leased,
// Sent, Dead) with leased-batch delivery, lease-expiry reclamation,
// retry counting, and a bounded-growth trim operation.
//
// All mutating operations, and count-only readers, hold a process-wide
// mutex for the duration of their transaction. This mirrors the single
// connection-per-call discipline of the storage backend: within one
// process, queue operations always appear atomic to concurrent callers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/TRAPD-CLOUD/trapd-agent/internal/agenterrors"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/clock"
	"github.com/TRAPD-CLOUD/trapd-agent/lib/sqlitepool"
)

// Status is a queue item's lifecycle state.
type Status int

const (
	Pending Status = 0
	Leased  Status = 1
	Sent    Status = 2
	Dead    Status = 3
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Leased:
		return "leased"
	case Sent:
		return "sent"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Item is a persisted queue record, as returned by LeaseBatch.
type Item struct {
	ID          int64
	CreatedUTC  string
	Type        string
	PayloadJSON string
	RetryCount  int
}

// Stats summarizes row counts by status.
type Stats struct {
	Pending int
	Leased  int
	Sent    int
	Dead    int
	Total   int
}

// timeLayout is a fixed-width UTC timestamp format so that lexical
// string comparison in SQL matches chronological order regardless of
// how many significant fractional digits a given instant has.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	created_utc     TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload_json    TEXT NOT NULL,
	status          INTEGER NOT NULL,
	lease_until_utc TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_items_status_created ON queue_items(status, created_utc);
CREATE INDEX IF NOT EXISTS idx_queue_items_status_id ON queue_items(status, id);
`

// Queue is the durable event queue. Exactly one process should open a
// given database file at a time.
type Queue struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
	mu    sync.Mutex
}

// Config configures Open.
type Config struct {
	Path   string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Open opens (creating if necessary) the queue database at cfg.Path
// and ensures its schema exists. The pool holds a single connection:
// the queue is single-writer by design, and a lone connection avoids
// SQLITE_BUSY entirely instead of relying on the busy timeout.
func Open(cfg Config) (*Queue, error) {
	if cfg.Clock == nil {
		return nil, agenterrors.NewConfigError("queue", fmt.Errorf("Clock is required"))
	}
	if cfg.Logger == nil {
		return nil, agenterrors.NewConfigError("queue", fmt.Errorf("Logger is required"))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: 1,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, agenterrors.NewStorageError("queue open", err)
	}

	return &Queue{pool: pool, clock: cfg.Clock}, nil
}

// Close closes the underlying connection pool.
func (q *Queue) Close() error {
	return q.pool.Close()
}

// Enqueue serializes payload to JSON and inserts a Pending row.
// Returns the assigned id.
func (q *Queue) Enqueue(ctx context.Context, itemType string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, agenterrors.NewStorageError("enqueue", fmt.Errorf("marshaling payload: %w", err))
	}
	return q.EnqueueRaw(ctx, itemType, string(data))
}

// EnqueueRaw inserts a Pending row with an already-serialized JSON
// payload, avoiding a redundant marshal when the caller already has
// JSON bytes.
func (q *Queue) EnqueueRaw(ctx context.Context, itemType string, payloadJSON string) (id int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, agenterrors.NewStorageError("enqueue", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, agenterrors.NewStorageError("enqueue", err)
	}
	defer endTransaction(&err)

	now := q.nowString()
	execErr := sqlitex.Execute(conn, `
		INSERT INTO queue_items (created_utc, type, payload_json, status, retry_count)
		VALUES (?, ?, ?, ?, 0)`,
		&sqlitex.ExecOptions{Args: []any{now, itemType, payloadJSON, int(Pending)}},
	)
	if execErr != nil {
		return 0, agenterrors.NewStorageError("enqueue", execErr)
	}

	id = conn.LastInsertRowID()
	return id, nil
}

// LeaseBatch reclaims expired leases, then claims up to batchSize
// Pending rows (FIFO by id) for leaseFor, returning them ordered by
// ascending id. Runs as one transaction: if no candidates exist after
// reclamation, the transaction still commits (making reclamation
// durable) and an empty slice is returned.
func (q *Queue) LeaseBatch(ctx context.Context, batchSize int, leaseFor time.Duration) (items []Item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return nil, agenterrors.NewStorageError("lease_batch", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, agenterrors.NewStorageError("lease_batch", err)
	}
	defer endTransaction(&err)

	now := q.clock.Now().UTC()
	nowStr := formatTime(now)

	// 1. Reclaim expired leases.
	reclaimErr := sqlitex.Execute(conn, `
		UPDATE queue_items
		SET status = ?, lease_until_utc = NULL, retry_count = retry_count + 1
		WHERE status = ? AND lease_until_utc <= ?`,
		&sqlitex.ExecOptions{Args: []any{int(Pending), int(Leased), nowStr}},
	)
	if reclaimErr != nil {
		return nil, agenterrors.NewStorageError("lease_batch: reclaim", reclaimErr)
	}

	// 2. Select candidates.
	var candidateIDs []int64
	selectErr := sqlitex.Execute(conn, `
		SELECT id FROM queue_items
		WHERE status = ?
		ORDER BY id ASC
		LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{int(Pending), batchSize},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				candidateIDs = append(candidateIDs, stmt.ColumnInt64(0))
				return nil
			},
		},
	)
	if selectErr != nil {
		return nil, agenterrors.NewStorageError("lease_batch: select", selectErr)
	}

	if len(candidateIDs) == 0 {
		return nil, nil
	}

	// 3. Claim.
	leaseUntil := formatTime(now.Add(leaseFor))
	if err := q.updateStatusForIDs(conn, candidateIDs, Leased, leaseUntil); err != nil {
		return nil, agenterrors.NewStorageError("lease_batch: claim", err)
	}

	// 4. Read back, ordered by id ascending.
	query, args := inClauseQuery(`
		SELECT id, created_utc, type, payload_json, retry_count
		FROM queue_items WHERE id IN (%s) ORDER BY id ASC`, candidateIDs)
	readErr := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			items = append(items, Item{
				ID:          stmt.ColumnInt64(0),
				CreatedUTC:  stmt.ColumnText(1),
				Type:        stmt.ColumnText(2),
				PayloadJSON: stmt.ColumnText(3),
				RetryCount:  stmt.ColumnInt(4),
			})
			return nil
		},
	})
	if readErr != nil {
		return nil, agenterrors.NewStorageError("lease_batch: read back", readErr)
	}

	return items, nil
}

// MarkSent transitions the given ids to Sent, clearing their lease.
// Unconditional by id: rows not currently Leased are still updated, so
// re-calling with the same ids is harmless.
func (q *Queue) MarkSent(ctx context.Context, ids []int64) error {
	return q.setTerminalStatus(ctx, "mark_sent", ids, Sent)
}

// MarkDead transitions the given ids to Dead, clearing their lease.
func (q *Queue) MarkDead(ctx context.Context, ids []int64) error {
	return q.setTerminalStatus(ctx, "mark_dead", ids, Dead)
}

func (q *Queue) setTerminalStatus(ctx context.Context, op string, ids []int64, status Status) (err error) {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return agenterrors.NewStorageError(op, err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return agenterrors.NewStorageError(op, err)
	}
	defer endTransaction(&err)

	if err := q.updateStatusForIDs(conn, ids, status, ""); err != nil {
		return agenterrors.NewStorageError(op, err)
	}
	return nil
}

// ReleaseLease returns currently-Leased rows among ids to Pending,
// clearing their lease and incrementing retry_count. Rows not
// currently Leased are left untouched.
func (q *Queue) ReleaseLease(ctx context.Context, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return agenterrors.NewStorageError("release_lease", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return agenterrors.NewStorageError("release_lease", err)
	}
	defer endTransaction(&err)

	query, idArgs := inClauseQuery(`
		UPDATE queue_items
		SET status = ?, lease_until_utc = NULL, retry_count = retry_count + 1
		WHERE status = ? AND id IN (%s)`, ids)
	args := append([]any{int(Pending), int(Leased)}, idArgs...)
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return agenterrors.NewStorageError("release_lease", err)
	}
	return nil
}

// DeleteSent permanently removes Sent rows, returning the count removed.
func (q *Queue) DeleteSent(ctx context.Context) (int, error) {
	return q.deleteByStatus(ctx, "delete_sent", Sent)
}

// DeleteDead permanently removes Dead rows, returning the count removed.
func (q *Queue) DeleteDead(ctx context.Context) (int, error) {
	return q.deleteByStatus(ctx, "delete_dead", Dead)
}

func (q *Queue) deleteByStatus(ctx context.Context, op string, status Status) (count int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, agenterrors.NewStorageError(op, err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, agenterrors.NewStorageError(op, err)
	}
	defer endTransaction(&err)

	deleteErr := sqlitex.Execute(conn, `DELETE FROM queue_items WHERE status = ?`,
		&sqlitex.ExecOptions{Args: []any{int(status)}})
	if deleteErr != nil {
		return 0, agenterrors.NewStorageError(op, deleteErr)
	}
	return conn.Changes(), nil
}

// TrimOldestByCount deletes the lowest-id rows, regardless of status,
// until at most maxRows remain. Returns the number of rows removed.
func (q *Queue) TrimOldestByCount(ctx context.Context, maxRows int) (removed int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, agenterrors.NewStorageError("trim_oldest_by_count", err)
	}
	defer q.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, agenterrors.NewStorageError("trim_oldest_by_count", err)
	}
	defer endTransaction(&err)

	deleteErr := sqlitex.Execute(conn, `
		DELETE FROM queue_items
		WHERE id IN (
			SELECT id FROM queue_items
			ORDER BY id ASC
			LIMIT MAX(0, (SELECT COUNT(*) FROM queue_items) - ?)
		)`,
		&sqlitex.ExecOptions{Args: []any{maxRows}},
	)
	if deleteErr != nil {
		return 0, agenterrors.NewStorageError("trim_oldest_by_count", deleteErr)
	}
	return conn.Changes(), nil
}

// PendingCount returns the number of Pending rows.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.countByStatus(ctx, "pending_count", Pending)
}

// TotalCount returns the total number of rows regardless of status.
func (q *Queue) TotalCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, agenterrors.NewStorageError("total_count", err)
	}
	defer q.pool.Put(conn)

	count, err := q.scalarCount(conn, `SELECT COUNT(*) FROM queue_items`, nil)
	if err != nil {
		return 0, agenterrors.NewStorageError("total_count", err)
	}
	return count, nil
}

func (q *Queue) countByStatus(ctx context.Context, op string, status Status) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return 0, agenterrors.NewStorageError(op, err)
	}
	defer q.pool.Put(conn)

	count, err := q.scalarCount(conn, `SELECT COUNT(*) FROM queue_items WHERE status = ?`, []any{int(status)})
	if err != nil {
		return 0, agenterrors.NewStorageError(op, err)
	}
	return count, nil
}

// GetStats returns row counts broken down by status.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return Stats{}, agenterrors.NewStorageError("stats", err)
	}
	defer q.pool.Put(conn)

	var stats Stats
	scanErr := sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt(1)
				switch Status(stmt.ColumnInt(0)) {
				case Pending:
					stats.Pending = count
				case Leased:
					stats.Leased = count
				case Sent:
					stats.Sent = count
				case Dead:
					stats.Dead = count
				}
				stats.Total += count
				return nil
			},
		},
	)
	if scanErr != nil {
		return Stats{}, agenterrors.NewStorageError("stats", scanErr)
	}
	return stats, nil
}

// updateStatusForIDs sets status (and lease_until_utc, when leaseUntil
// is non-empty) for every row in ids. Must be called with q.mu held
// and inside an open transaction.
func (q *Queue) updateStatusForIDs(conn *sqlite.Conn, ids []int64, status Status, leaseUntil string) error {
	var leaseArg any
	if leaseUntil != "" {
		leaseArg = leaseUntil
	}

	query, args := inClauseQuery(`
		UPDATE queue_items SET status = ?, lease_until_utc = ? WHERE id IN (%s)`, ids)
	fullArgs := append([]any{int(status), leaseArg}, args...)
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: fullArgs})
}

func (q *Queue) scalarCount(conn *sqlite.Conn, query string, args []any) (int, error) {
	var count int
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	return count, err
}

// nowString returns the current time (from q.clock) formatted for
// storage.
func (q *Queue) nowString() string {
	return formatTime(q.clock.Now().UTC())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// inClauseQuery substitutes a comma-separated list of `?` placeholders
// for %s in template and returns the query alongside the ids as args,
// for use with an `id IN (...)` clause.
func inClauseQuery(template string, ids []int64) (string, []any) {
	placeholders := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = id
	}
	return fmt.Sprintf(template, placeholders), args
}
