package task

import (
	"context"
	"errors"
	"time"
)

// ErrDiscard is the discard signal a Handler returns from Handle or
// GetRetryInterval to have a task deleted with no result written, rather
// than retried or failed.
var ErrDiscard = errors.New("taskkit: discard task")

// Handler is the external collaborator that interprets task bytes, runs
// domain logic, and encodes results. The core never looks inside Data or
// a Result's Payload; it only calls through this interface.
type Handler interface {
	// Handle runs the task's domain logic. It may return ErrDiscard to have
	// the task dropped with no result, any other error to trigger the retry
	// path, or a value to be encoded as a success result.
	Handle(ctx context.Context, t Task) (any, error)

	// GetRetryInterval is consulted when Handle returns a non-discard
	// error. A non-nil duration reschedules the task that far in the
	// future; nil means permanent failure. Returning ErrDiscard here
	// discards the task instead.
	GetRetryInterval(t Task, handleErr error) (*time.Duration, error)

	// EncodeData encodes a caller-supplied value into the bytes stored as
	// Task.Data for a given group/name pair.
	EncodeData(group, name string, value any) ([]byte, error)

	// EncodeResult encodes a successful Handle return value into the bytes
	// stored as Result.Payload.
	EncodeResult(t Task, value any) ([]byte, error)

	// DecodeResult is the inverse of EncodeResult, used by ResultHandle.Get
	// to hand the caller back a typed value.
	DecodeResult(t Task, payload []byte) (any, error)
}
