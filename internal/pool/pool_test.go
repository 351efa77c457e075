package pool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/saryou/taskkit/internal/registry"
	"github.com/saryou/taskkit/internal/task"
)

type fakeBackend struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	done  map[string]task.Result
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: make(map[string]task.Task), done: make(map[string]task.Result)}
}

func (b *fakeBackend) Enqueue(ctx context.Context, t task.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[t.ID] = t
	return nil
}

func (b *fakeBackend) Assign(ctx context.Context, group, workerID string, leaseDuration time.Duration, now time.Time) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.tasks {
		if t.Group != group || (t.Assignee != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)) {
			continue
		}
		exp := now.Add(leaseDuration)
		t.Assignee = workerID
		t.LeaseExpiresAt = &exp
		b.tasks[id] = t
		got := t
		return &got, nil
	}
	return nil, nil
}

func (b *fakeBackend) Renew(ctx context.Context, taskID, workerID string, leaseDuration time.Duration, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok || t.Assignee != workerID {
		return false, nil
	}
	exp := now.Add(leaseDuration)
	t.LeaseExpiresAt = &exp
	b.tasks[taskID] = t
	return true, nil
}

func (b *fakeBackend) Complete(ctx context.Context, taskID, workerID string, result task.Result) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok || t.Assignee != workerID {
		return false, nil
	}
	b.done[taskID] = result
	delete(b.tasks, taskID)
	return true, nil
}

func (b *fakeBackend) Reschedule(ctx context.Context, taskID, workerID string, newDueAt time.Time, retryCount int) (bool, error) {
	return false, nil
}
func (b *fakeBackend) Discard(ctx context.Context, taskID, workerID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
	return true, nil
}
func (b *fakeBackend) FailPermanent(ctx context.Context, taskID, workerID string, descr task.ErrorDescriptor) (bool, error) {
	return true, nil
}
func (b *fakeBackend) GetResult(ctx context.Context, taskID string, blockUntil time.Time) (*task.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.done[taskID]; ok {
		return &r, nil
	}
	return nil, nil
}
func (b *fakeBackend) AcquireScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	return false, nil
}
func (b *fakeBackend) ReleaseScheduler(ctx context.Context, name, holder string) error { return nil }
func (b *fakeBackend) RenewScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	return false, nil
}
func (b *fakeBackend) ListScheduleEntries(ctx context.Context, schedulerName string) ([]task.ScheduleEntry, error) {
	return nil, nil
}
func (b *fakeBackend) UpsertScheduleEntry(ctx context.Context, e task.ScheduleEntry) error { return nil }
func (b *fakeBackend) DeleteScheduleEntry(ctx context.Context, schedulerName, key string) error {
	return nil
}

type upperHandler struct{}

func (upperHandler) Handle(ctx context.Context, t task.Task) (any, error) {
	var s string
	_ = json.Unmarshal(t.Data, &s)
	return s + "!", nil
}
func (upperHandler) GetRetryInterval(t task.Task, handleErr error) (*time.Duration, error) {
	return nil, nil
}
func (upperHandler) EncodeData(group, name string, value any) ([]byte, error) { return nil, nil }
func (upperHandler) EncodeResult(t task.Task, value any) ([]byte, error) {
	return json.Marshal(value)
}
func (upperHandler) DecodeResult(t task.Task, payload []byte) (any, error) { return nil, nil }

func TestPoolDrainsEnqueuedTasks(t *testing.T) {
	be := newFakeBackend()
	reg := registry.New()
	_ = reg.Register("g", "shout", upperHandler{})

	for i := 0; i < 5; i++ {
		data, _ := json.Marshal("hi")
		_ = be.Enqueue(context.Background(), task.Task{ID: string(rune('a' + i)), Group: "g", Name: "shout", Data: data, DueAt: time.Now()})
	}

	p := New(be, reg, Config{Group: "g", Size: 3, LeaseDuration: 50 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	if len(p.WorkerIDs()) != 3 {
		t.Fatalf("expected 3 worker ids, got %d", len(p.WorkerIDs()))
	}

	deadline := time.After(500 * time.Millisecond)
	for {
		be.mu.Lock()
		remaining := len(be.tasks)
		be.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("pool failed to drain all tasks, %d remaining", remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
