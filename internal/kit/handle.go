package kit

import (
	"context"
	"time"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/task"
)

// ResultHandle lets a caller that enqueued a task wait for its outcome.
type ResultHandle struct {
	be      backend.Backend
	handler task.Handler
	t       task.Task
}

// Get polls the backend for a result until timeout elapses. A task still
// pending at the deadline yields ErrTimedOut; a permanently failed task
// yields a *TaskFailedError; a result of kind ResultDiscarded yields
// ErrDiscarded; a successful task is decoded through the handler.
// backend.Backend's Discard writes no result row, so a task discarded
// through it yields ErrTimedOut.
func (h *ResultHandle) Get(ctx context.Context, timeout time.Duration) (any, error) {
	blockUntil := time.Now().Add(timeout)
	r, err := h.be.GetResult(ctx, h.t.ID, blockUntil)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrTimedOut
	}
	switch r.Kind {
	case task.ResultDiscarded:
		return nil, ErrDiscarded
	case task.ResultError:
		var descr task.ErrorDescriptor
		if derr := decodeErrorDescriptor(r.Payload, &descr); derr != nil {
			return nil, derr
		}
		return nil, &TaskFailedError{Descriptor: descr}
	default:
		return h.handler.DecodeResult(h.t, r.Payload)
	}
}

// ID returns the id of the task this handle waits on.
func (h *ResultHandle) ID() string {
	return h.t.ID
}
