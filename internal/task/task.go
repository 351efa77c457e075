// Package task defines the core domain types shared by every taskkit
// component: the task record, its result, recurring schedule entries, and
// the handler interface a caller supplies to interpret task bytes.
package task

import "time"

// State is the derived lifecycle state of a Task. It is never stored; it is
// computed from DueAt/Assignee/LeaseExpiresAt and the presence of a Result.
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Task is the unit of work a backend stores and a worker executes.
type Task struct {
	ID             string
	Group          string
	Name           string
	Data           []byte
	DueAt          time.Time
	RetryCount     int
	Assignee       string
	LeaseExpiresAt *time.Time
}

// DerivedState computes the Task's State relative to now, given whether a
// result row exists for it. A task with a result has already been deleted
// from the backend's task table in practice; this helper exists for
// callers (tests, the monitor) that want to classify a task snapshot.
func (t Task) DerivedState(now time.Time, hasResult bool) State {
	if hasResult {
		return StateDone
	}
	leased := t.Assignee != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
	if leased {
		return StateRunning
	}
	if t.DueAt.After(now) {
		return StatePending
	}
	return StateReady
}

// ResultKind distinguishes how a task completed.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultError     ResultKind = "error"
	ResultDiscarded ResultKind = "discarded"
)

// Result is produced exactly once per task that completes successfully or
// fails permanently. A discarded task gets no Result.
type Result struct {
	TaskID    string
	Kind      ResultKind
	Payload   []byte
	CreatedAt time.Time
}

// ErrorDescriptor is the bounded, storable representation of a handler
// error. Only a type name and a message survive into the backend; stacks
// and arbitrary error values are intentionally not captured.
type ErrorDescriptor struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ScheduleEntry is a declared recurring task template owned by one
// scheduler name.
type ScheduleEntry struct {
	SchedulerName string
	Key           string
	Group         string
	Name          string
	Data          []byte
	Schedule      Schedule
	LastFiredAt   *time.Time
}
