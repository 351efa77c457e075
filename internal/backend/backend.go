// Package backend defines the storage contract every taskkit deployment is
// built on: atomic task assignment, lease renewal and reclamation, result
// persistence, and the scheduler-lock/schedule-entry primitives the
// scheduler needs. internal/backend/sqlite ships a reference adapter; any
// other store that can offer the same linearizability guarantees on a
// single task id may implement this interface instead.
package backend

import (
	"context"
	"time"

	"github.com/saryou/taskkit/internal/task"
)

// Backend is the single source of truth for task, result, and schedule
// state. Every state-changing method here is a compare-and-swap predicated
// on lease ownership; no method here holds a lock across a handler
// invocation; callers serialize concurrent access only through the
// backend's own linearizability guarantee on a single task id.
type Backend interface {
	// Enqueue inserts a task with RetryCount=0 and no assignee. It is
	// idempotent on Task.ID: enqueuing the same id twice is a no-op, not
	// an error.
	Enqueue(ctx context.Context, t task.Task) error

	// Assign atomically selects the task in group with the smallest
	// DueAt <= now that is unassigned or lease-expired, sets Assignee and
	// LeaseExpiresAt, and returns it. Returns (nil, nil) when no such task
	// exists. Ties on DueAt are broken by ID, ascending.
	Assign(ctx context.Context, group, workerID string, leaseDuration time.Duration, now time.Time) (*task.Task, error)

	// Renew extends a held lease to now+leaseDuration iff the caller still
	// holds it. A false return means the lease was lost.
	Renew(ctx context.Context, taskID, workerID string, leaseDuration time.Duration, now time.Time) (bool, error)

	// Complete writes the result row and deletes the task row iff the
	// caller still holds the lease.
	Complete(ctx context.Context, taskID, workerID string, result task.Result) (bool, error)

	// Reschedule clears the assignee and sets a new due time and retry
	// count iff the caller still holds the lease.
	Reschedule(ctx context.Context, taskID, workerID string, newDueAt time.Time, retryCount int) (bool, error)

	// Discard deletes the task row with no result iff the caller still
	// holds the lease.
	Discard(ctx context.Context, taskID, workerID string) (bool, error)

	// FailPermanent writes an error result and deletes the task row iff
	// the caller still holds the lease.
	FailPermanent(ctx context.Context, taskID, workerID string, descr task.ErrorDescriptor) (bool, error)

	// GetResult returns the result for taskID if it exists by blockUntil,
	// else (nil, nil). Implementations may poll or use notification.
	GetResult(ctx context.Context, taskID string, blockUntil time.Time) (*task.Result, error)

	// AcquireScheduler is a compare-and-swap: it succeeds when no holder
	// is recorded for name or the recorded lease has expired.
	AcquireScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error)

	// ReleaseScheduler clears the lock iff holder currently owns it.
	ReleaseScheduler(ctx context.Context, name, holder string) error

	// RenewScheduler extends the scheduler lock iff holder still owns it.
	RenewScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error)

	// ListScheduleEntries returns every declared entry under schedulerName.
	ListScheduleEntries(ctx context.Context, schedulerName string) ([]task.ScheduleEntry, error)

	// UpsertScheduleEntry inserts or replaces a schedule entry by its
	// (SchedulerName, Key) primary key.
	UpsertScheduleEntry(ctx context.Context, e task.ScheduleEntry) error

	// DeleteScheduleEntry removes an entry not present in the latest
	// declared set for schedulerName.
	DeleteScheduleEntry(ctx context.Context, schedulerName, key string) error
}

// Inspector is an optional capability a Backend may implement to support
// read-only introspection (internal/monitor's HTTP surface). It is kept
// separate from Backend since task listing isn't needed by InitiateTask
// or the worker/scheduler hot paths, only by observability tooling.
type Inspector interface {
	Ping(ctx context.Context) error
	ListTasks(ctx context.Context, status string) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
}
