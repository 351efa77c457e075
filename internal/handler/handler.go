// Package handler provides a reference task.Handler built around JSON
// encoding and a dispatch table: a narrow seam between the core and
// caller-supplied domain logic.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/saryou/taskkit/internal/task"
)

// Func runs the domain logic for one (group, name) pair. It receives the
// task with Data already available as raw JSON and returns a value to be
// JSON-encoded as the result payload.
type Func func(ctx context.Context, t task.Task, data json.RawMessage) (any, error)

// RetryPolicy decides how long to wait before retrying a task whose Func
// returned a non-discard error. Returning (nil, nil) means permanent
// failure.
type RetryPolicy func(t task.Task, handleErr error) (*time.Duration, error)

// JSONHandler dispatches by (group, name) to a registered Func and uses
// encoding/json for both Data and Result.Payload.
type JSONHandler struct {
	funcs   map[string]Func
	retry   RetryPolicy
}

// NewJSONHandler creates a JSONHandler with the given default retry
// policy. A nil policy always returns permanent failure.
func NewJSONHandler(retry RetryPolicy) *JSONHandler {
	if retry == nil {
		retry = func(task.Task, error) (*time.Duration, error) { return nil, nil }
	}
	return &JSONHandler{funcs: make(map[string]Func), retry: retry}
}

func dispatchKey(group, name string) string {
	return group + "/" + name
}

// Register associates a Func with a (group, name) pair, replacing any
// previously registered Func for that pair.
func (h *JSONHandler) Register(group, name string, fn Func) {
	h.funcs[dispatchKey(group, name)] = fn
}

// Handle looks up the registered Func for t.Group/t.Name and invokes it
// with t.Data interpreted as raw JSON. An unregistered pair returns an
// error that goes through the RetryPolicy like any other handler error.
func (h *JSONHandler) Handle(ctx context.Context, t task.Task) (any, error) {
	fn, ok := h.funcs[dispatchKey(t.Group, t.Name)]
	if !ok {
		return nil, fmt.Errorf("handler: no func registered for %s/%s", t.Group, t.Name)
	}
	return fn(ctx, t, json.RawMessage(t.Data))
}

// GetRetryInterval delegates to the handler's configured RetryPolicy.
func (h *JSONHandler) GetRetryInterval(t task.Task, handleErr error) (*time.Duration, error) {
	return h.retry(t, handleErr)
}

// EncodeData JSON-marshals value, ignoring group/name (a JSONHandler has
// no per-pair encoding rules).
func (h *JSONHandler) EncodeData(group, name string, value any) ([]byte, error) {
	return json.Marshal(value)
}

// EncodeResult JSON-marshals value as the result payload.
func (h *JSONHandler) EncodeResult(t task.Task, value any) ([]byte, error) {
	return json.Marshal(value)
}

// DecodeResult JSON-unmarshals payload into a generic map/slice/scalar
// value. Callers wanting a concrete type should decode payload themselves
// via the raw []byte exposed by the result instead.
func (h *JSONHandler) DecodeResult(t task.Task, payload []byte) (any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("handler: decode result for %s: %w", t.ID, err)
	}
	return v, nil
}
