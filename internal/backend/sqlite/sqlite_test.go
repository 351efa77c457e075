package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/saryou/taskkit/internal/task"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	b, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestEnqueueIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tk := task.Task{ID: "t1", Group: "g", Name: "echo", DueAt: now}
	if err := b.Enqueue(ctx, tk); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Enqueue(ctx, tk); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	got, err := b.Assign(ctx, "g", "w1", time.Minute, now.Add(time.Second))
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got == nil {
		t.Fatal("expected a task to be ready")
	}
	if got2, err := b.Assign(ctx, "g", "w2", time.Minute, now.Add(time.Second)); err != nil || got2 != nil {
		t.Fatalf("expected no second ready task, got %v err %v", got2, err)
	}
}

func TestAssignOrderByDueThenID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := task.Task{ID: "A", Group: "g", Name: "n", DueAt: now.Add(2 * time.Second)}
	bb := task.Task{ID: "B", Group: "g", Name: "n", DueAt: now.Add(time.Second)}
	c := task.Task{ID: "C", Group: "g", Name: "n", DueAt: now.Add(3 * time.Second)}
	for _, tk := range []task.Task{a, bb, c} {
		if err := b.Enqueue(ctx, tk); err != nil {
			t.Fatalf("enqueue %s: %v", tk.ID, err)
		}
	}

	later := now.Add(10 * time.Second)
	var order []string
	for i := 0; i < 3; i++ {
		got, err := b.Assign(ctx, "g", "w", time.Minute, later)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got == nil {
			t.Fatalf("expected a task at step %d", i)
		}
		order = append(order, got.ID)
	}
	if order[0] != "B" || order[1] != "A" || order[2] != "C" {
		t.Fatalf("expected order [B A C], got %v", order)
	}
}

func TestLeaseLossPreventsFinalize(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", 10*time.Millisecond, now.Add(time.Second)); err != nil {
		t.Fatalf("assign: %v", err)
	}

	expired := now.Add(2 * time.Second)
	reassigned, err := b.Assign(ctx, "g", "w2", time.Minute, expired)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if reassigned == nil {
		t.Fatal("expected expired lease to be reclaimable")
	}

	ok, err := b.Complete(ctx, "t1", "w1", task.Result{Payload: []byte("late")})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok {
		t.Fatal("expected complete by the original worker to fail after lease loss")
	}

	ok, err = b.Complete(ctx, "t1", "w2", task.Result{Payload: []byte("hi"), CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("complete by new owner: %v", err)
	}
	if !ok {
		t.Fatal("expected complete by the current owner to succeed")
	}
}

func TestRenewRequiresUnexpiredLease(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", 50*time.Millisecond, now); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := b.Renew(ctx, "t1", "w1", time.Minute, now.Add(10*time.Millisecond))
	if err != nil || !ok {
		t.Fatalf("expected renew to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = b.Renew(ctx, "t1", "wrong-worker", time.Minute, now.Add(20*time.Millisecond))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("expected renew by a non-owner to fail")
	}

	ok, err = b.Renew(ctx, "t1", "w1", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("expected renew of an expired lease to fail")
	}
}

func TestRescheduleIncrementsRetryCount(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", time.Minute, now); err != nil {
		t.Fatalf("assign: %v", err)
	}

	ok, err := b.Reschedule(ctx, "t1", "w1", now.Add(time.Minute), 1)
	if err != nil || !ok {
		t.Fatalf("reschedule failed: ok=%v err=%v", ok, err)
	}

	got, err := b.Assign(ctx, "g", "w2", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("assign after reschedule: %v", err)
	}
	if got == nil || got.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %+v", got)
	}
}

func TestDiscardWritesNoResult(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", time.Minute, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ok, err := b.Discard(ctx, "t1", "w1")
	if err != nil || !ok {
		t.Fatalf("discard failed: ok=%v err=%v", ok, err)
	}

	res, err := b.GetResult(ctx, "t1", now)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result for a discarded task, got %+v", res)
	}
}

func TestFailPermanentWritesErrorResult(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", time.Minute, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ok, err := b.FailPermanent(ctx, "t1", "w1", task.ErrorDescriptor{Type: "boom", Message: "oops"})
	if err != nil || !ok {
		t.Fatalf("fail permanent failed: ok=%v err=%v", ok, err)
	}

	res, err := b.GetResult(ctx, "t1", now)
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res == nil || res.Kind != task.ResultError {
		t.Fatalf("expected an error result, got %+v", res)
	}
}

func TestGetResultBlocksUntilResultWritten(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Assign(ctx, "g", "w1", time.Minute, now); err != nil {
		t.Fatalf("assign: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		if _, err := b.Complete(ctx, "t1", "w1", task.Result{Kind: task.ResultSuccess, Payload: []byte("ok"), CreatedAt: time.Now()}); err != nil {
			t.Errorf("complete: %v", err)
		}
	}()

	start := time.Now()
	res, err := b.GetResult(ctx, "t1", start.Add(2*time.Second))
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result once Complete ran, got nil")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected GetResult to wait for the result, returned after only %v", elapsed)
	}
}

func TestGetResultReturnsNilAfterBlockUntilElapses(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := b.Enqueue(ctx, task.Task{ID: "t1", Group: "g", Name: "n", DueAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	start := time.Now()
	res, err := b.GetResult(ctx, "t1", start.Add(100*time.Millisecond))
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("expected GetResult to wait out the deadline, returned after only %v", elapsed)
	}
}

func TestSchedulerLockMutualExclusion(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := b.AcquireScheduler(ctx, "S", "replica-1", time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("first acquire should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = b.AcquireScheduler(ctx, "S", "replica-2", time.Minute, now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second replica to fail to acquire a held lock")
	}

	ok, err = b.AcquireScheduler(ctx, "S", "replica-2", time.Minute, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected replica-2 to acquire after expiry: ok=%v err=%v", ok, err)
	}
}

func TestScheduleEntryReconciliation(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	e := task.ScheduleEntry{
		SchedulerName: "S", Key: "k1", Group: "g", Name: "n",
		Schedule: task.RegularSchedule{Seconds: map[int]bool{0: true}},
	}
	if err := b.UpsertScheduleEntry(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	entries, err := b.ListScheduleEntries(ctx, "S")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "k1" {
		t.Fatalf("expected one entry k1, got %+v", entries)
	}

	if err := b.DeleteScheduleEntry(ctx, "S", "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	entries, err = b.ListScheduleEntries(ctx, "S")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after delete, got %+v", entries)
	}
}
