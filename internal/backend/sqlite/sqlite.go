// Package sqlite provides the reference backend.Backend adapter for
// taskkit, backed by a single-writer SQLite database. It is grounded on
// the connection/transaction discipline of a SQLite-backed store adapter
// (WAL mode, one writer, explicit transactions for every compare-and-swap)
// and ships the tasks/results/schedule_entries/scheduler_locks schema.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/saryou/taskkit/internal/task"
	_ "modernc.org/sqlite"
)

// Backend is a backend.Backend implementation backed by SQLite.
type Backend struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at path and applies the
// schema. SQLite only supports one writer at a time, so the pool is capped
// at a single connection, same as any single-writer SQLite-backed service.
func New(path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Ping checks that the database connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *Backend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		group_name TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB,
		due_at DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		assignee TEXT,
		lease_expires_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_assign ON tasks(group_name, due_at, id);

	CREATE TABLE IF NOT EXISTS results (
		task_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_entries (
		scheduler_name TEXT NOT NULL,
		key TEXT NOT NULL,
		group_name TEXT NOT NULL,
		name TEXT NOT NULL,
		data BLOB,
		schedule_blob TEXT NOT NULL,
		last_fired_at DATETIME,
		PRIMARY KEY (scheduler_name, key)
	);

	CREATE TABLE IF NOT EXISTS scheduler_locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		lease_expires_at DATETIME NOT NULL
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// --- Task assignment ---

// Enqueue inserts a task, ignoring the insert if the id already exists.
func (b *Backend) Enqueue(ctx context.Context, t task.Task) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (id, group_name, name, data, due_at, retry_count, assignee, lease_expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, NULL)`,
		t.ID, t.Group, t.Name, t.Data, t.DueAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Assign atomically claims the oldest-due, ready task in group.
func (b *Backend) Assign(ctx context.Context, group, workerID string, leaseDuration time.Duration, now time.Time) (*task.Task, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks
		 WHERE group_name = ? AND due_at <= ? AND (assignee IS NULL OR lease_expires_at <= ?)
		 ORDER BY due_at ASC, id ASC LIMIT 1`,
		group, now.UTC(), now.UTC(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select ready task: %w", err)
	}

	expires := now.Add(leaseDuration).UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET assignee = ?, lease_expires_at = ? WHERE id = ?`,
		workerID, expires, id,
	); err != nil {
		return nil, fmt.Errorf("assign task: %w", err)
	}

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT id, group_name, name, data, due_at, retry_count, assignee, lease_expires_at FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}
	return t, nil
}

// Renew extends a held lease iff workerID still owns it and it has not
// already expired.
func (b *Backend) Renew(ctx context.Context, taskID, workerID string, leaseDuration time.Duration, now time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ?
		 WHERE id = ? AND assignee = ? AND lease_expires_at > ?`,
		now.Add(leaseDuration).UTC(), taskID, workerID, now.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return rowsAffected(res)
}

// Complete writes the result and deletes the task row iff workerID still
// holds the lease.
func (b *Backend) Complete(ctx context.Context, taskID, workerID string, result task.Result) (bool, error) {
	return b.finalize(ctx, taskID, workerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results (task_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
			taskID, string(task.ResultSuccess), result.Payload, result.CreatedAt.UTC())
		return err
	})
}

// Reschedule clears the assignee and sets a new due time/retry count iff
// workerID still holds the lease.
func (b *Backend) Reschedule(ctx context.Context, taskID, workerID string, newDueAt time.Time, retryCount int) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE tasks SET assignee = NULL, lease_expires_at = NULL, due_at = ?, retry_count = ?
		 WHERE id = ? AND assignee = ?`,
		newDueAt.UTC(), retryCount, taskID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("reschedule task: %w", err)
	}
	return rowsAffected(res)
}

// Discard deletes the task row with no result iff workerID still holds the
// lease.
func (b *Backend) Discard(ctx context.Context, taskID, workerID string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND assignee = ?`, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("discard task: %w", err)
	}
	return rowsAffected(res)
}

// FailPermanent writes an error result and deletes the task row iff
// workerID still holds the lease.
func (b *Backend) FailPermanent(ctx context.Context, taskID, workerID string, descr task.ErrorDescriptor) (bool, error) {
	payload, err := json.Marshal(descr)
	if err != nil {
		return false, fmt.Errorf("encode error descriptor: %w", err)
	}
	return b.finalize(ctx, taskID, workerID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO results (task_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
			taskID, string(task.ResultError), payload, time.Now().UTC())
		return err
	})
}

// finalize runs writeResult inside a transaction that also deletes the task
// row, but only when workerID still owns the lease. It returns false (no
// error) when the lease was already lost, leaving both tables untouched.
func (b *Backend) finalize(ctx context.Context, taskID, workerID string, writeResult func(tx *sql.Tx) error) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var assignee sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT assignee FROM tasks WHERE id = ?`, taskID).Scan(&assignee)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check lease ownership: %w", err)
	}
	if !assignee.Valid || assignee.String != workerID {
		return false, nil
	}

	if err := writeResult(tx); err != nil {
		return false, fmt.Errorf("write result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID); err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finalize: %w", err)
	}
	return true, nil
}

// getResultOnce fetches the result row for taskID, or (nil, nil) if none
// exists yet.
func (b *Backend) getResultOnce(ctx context.Context, taskID string) (*task.Result, error) {
	var r task.Result
	var kind string
	err := b.db.QueryRowContext(ctx,
		`SELECT task_id, kind, payload, created_at FROM results WHERE task_id = ?`, taskID,
	).Scan(&r.TaskID, &kind, &r.Payload, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}
	r.Kind = task.ResultKind(kind)
	return &r, nil
}

// resultPollInterval is how often GetResult re-checks for a result row
// while waiting for blockUntil. Short enough that a caller's typical
// few-second wait observes a result soon after it's written.
const resultPollInterval = 50 * time.Millisecond

// GetResult returns the result for taskID, polling until it appears or
// blockUntil passes, whichever comes first; it returns (nil, nil) if no
// result exists by then. A blockUntil not after the current time still
// makes one check before returning.
func (b *Backend) GetResult(ctx context.Context, taskID string, blockUntil time.Time) (*task.Result, error) {
	for {
		r, err := b.getResultOnce(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}
		if !time.Now().Before(blockUntil) {
			return nil, nil
		}

		wait := resultPollInterval
		if remaining := time.Until(blockUntil); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// --- Scheduler lock ---

// AcquireScheduler succeeds when no holder is recorded for name or the
// recorded lease has expired.
func (b *Backend) AcquireScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingHolder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT holder, lease_expires_at FROM scheduler_locks WHERE name = ?`, name).
		Scan(&existingHolder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("query scheduler lock: %w", err)
	}
	held := err == nil && expiresAt.After(now.UTC())
	if held && existingHolder != holder {
		return false, nil
	}

	newExpiry := now.Add(leaseDuration).UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduler_locks (name, holder, lease_expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, lease_expires_at = excluded.lease_expires_at`,
		name, holder, newExpiry,
	); err != nil {
		return false, fmt.Errorf("upsert scheduler lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit acquire scheduler: %w", err)
	}
	return true, nil
}

// ReleaseScheduler clears the lock iff holder currently owns it.
func (b *Backend) ReleaseScheduler(ctx context.Context, name, holder string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM scheduler_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release scheduler lock: %w", err)
	}
	return nil
}

// RenewScheduler extends the scheduler lock iff holder still owns it.
func (b *Backend) RenewScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE scheduler_locks SET lease_expires_at = ? WHERE name = ? AND holder = ?`,
		now.Add(leaseDuration).UTC(), name, holder,
	)
	if err != nil {
		return false, fmt.Errorf("renew scheduler lock: %w", err)
	}
	return rowsAffected(res)
}

// --- Schedule entries ---

// ListScheduleEntries returns every declared entry under schedulerName.
func (b *Backend) ListScheduleEntries(ctx context.Context, schedulerName string) ([]task.ScheduleEntry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT scheduler_name, key, group_name, name, data, schedule_blob, last_fired_at
		 FROM schedule_entries WHERE scheduler_name = ?`, schedulerName)
	if err != nil {
		return nil, fmt.Errorf("list schedule entries: %w", err)
	}
	defer rows.Close()

	var out []task.ScheduleEntry
	for rows.Next() {
		var e task.ScheduleEntry
		var scheduleBlob string
		var lastFired sql.NullTime
		if err := rows.Scan(&e.SchedulerName, &e.Key, &e.Group, &e.Name, &e.Data, &scheduleBlob, &lastFired); err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		sched, err := task.UnmarshalScheduleBlob([]byte(scheduleBlob))
		if err != nil {
			return nil, err
		}
		e.Schedule = sched
		if lastFired.Valid {
			t := lastFired.Time
			e.LastFiredAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertScheduleEntry inserts or replaces an entry by (SchedulerName, Key).
func (b *Backend) UpsertScheduleEntry(ctx context.Context, e task.ScheduleEntry) error {
	blob, err := task.MarshalScheduleBlob(e.Schedule)
	if err != nil {
		return err
	}
	var lastFired any
	if e.LastFiredAt != nil {
		lastFired = e.LastFiredAt.UTC()
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO schedule_entries (scheduler_name, key, group_name, name, data, schedule_blob, last_fired_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scheduler_name, key) DO UPDATE SET
		   group_name = excluded.group_name, name = excluded.name, data = excluded.data,
		   schedule_blob = excluded.schedule_blob, last_fired_at = excluded.last_fired_at`,
		e.SchedulerName, e.Key, e.Group, e.Name, e.Data, string(blob), lastFired,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule entry: %w", err)
	}
	return nil
}

// DeleteScheduleEntry removes a single declared entry.
func (b *Backend) DeleteScheduleEntry(ctx context.Context, schedulerName, key string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM schedule_entries WHERE scheduler_name = ? AND key = ?`, schedulerName, key)
	if err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	return nil
}

// ListTasks returns every task row, optionally filtered to one derived
// status ("pending", "ready", "running"; "done"/"failed" tasks have
// already been deleted from the tasks table by the time they reach those
// states, so those filters always yield an empty list here). Supports
// the internal/monitor read-only HTTP surface; it is not part of the
// core backend.Backend contract.
func (b *Backend) ListTasks(ctx context.Context, status string) ([]task.Task, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, group_name, name, data, due_at, retry_count, assignee, lease_expires_at FROM tasks ORDER BY due_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if status != "" && string(t.DerivedState(now, false)) != status {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTask returns the task row for id, or (nil, nil) if it doesn't exist
// (already completed, failed, or discarded).
func (b *Backend) GetTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(b.db.QueryRowContext(ctx,
		`SELECT id, group_name, name, data, due_at, retry_count, assignee, lease_expires_at FROM tasks WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// --- helpers ---

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var data []byte
	var assignee sql.NullString
	var leaseExpires sql.NullTime
	if err := row.Scan(&t.ID, &t.Group, &t.Name, &data, &t.DueAt, &t.RetryCount, &assignee, &leaseExpires); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Data = data
	if assignee.Valid {
		t.Assignee = assignee.String
	}
	if leaseExpires.Valid {
		le := leaseExpires.Time
		t.LeaseExpiresAt = &le
	}
	return &t, nil
}
