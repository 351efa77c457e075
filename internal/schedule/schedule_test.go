package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/saryou/taskkit/internal/task"
)

func TestOccurrenceIDDeterministic(t *testing.T) {
	firing := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := OccurrenceID("S", "k1", firing)
	b := OccurrenceID("S", "k1", firing)
	if a != b {
		t.Fatalf("expected same occurrence id, got %s vs %s", a, b)
	}
	c := OccurrenceID("S", "k2", firing)
	if a == c {
		t.Fatal("expected different keys to produce different occurrence ids")
	}
}

func TestRegularScheduleFiresEverySecond(t *testing.T) {
	r := task.RegularSchedule{}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := r.NextAfter(start, time.UTC)
	if !next.Equal(start.Add(time.Second)) {
		t.Fatalf("expected next=%v, got %v", start.Add(time.Second), next)
	}
}

func TestRegularScheduleRestrictsToConfiguredMinute(t *testing.T) {
	r := task.RegularSchedule{Seconds: map[int]bool{0: true}, Minutes: map[int]bool{30: true}}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next := r.NextAfter(start, time.UTC)
	want := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

type fakeBackend struct {
	entries map[string]task.ScheduleEntry
	fired   []task.Task
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: make(map[string]task.ScheduleEntry)}
}

func (b *fakeBackend) Enqueue(ctx context.Context, t task.Task) error {
	b.fired = append(b.fired, t)
	return nil
}
func (b *fakeBackend) Assign(ctx context.Context, group, workerID string, leaseDuration time.Duration, now time.Time) (*task.Task, error) {
	return nil, nil
}
func (b *fakeBackend) Renew(ctx context.Context, taskID, workerID string, leaseDuration time.Duration, now time.Time) (bool, error) {
	return false, nil
}
func (b *fakeBackend) Complete(ctx context.Context, taskID, workerID string, result task.Result) (bool, error) {
	return false, nil
}
func (b *fakeBackend) Reschedule(ctx context.Context, taskID, workerID string, newDueAt time.Time, retryCount int) (bool, error) {
	return false, nil
}
func (b *fakeBackend) Discard(ctx context.Context, taskID, workerID string) (bool, error) {
	return false, nil
}
func (b *fakeBackend) FailPermanent(ctx context.Context, taskID, workerID string, descr task.ErrorDescriptor) (bool, error) {
	return false, nil
}
func (b *fakeBackend) GetResult(ctx context.Context, taskID string, blockUntil time.Time) (*task.Result, error) {
	return nil, nil
}
func (b *fakeBackend) AcquireScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	return true, nil
}
func (b *fakeBackend) ReleaseScheduler(ctx context.Context, name, holder string) error { return nil }
func (b *fakeBackend) RenewScheduler(ctx context.Context, name, holder string, leaseDuration time.Duration, now time.Time) (bool, error) {
	return true, nil
}
func (b *fakeBackend) ListScheduleEntries(ctx context.Context, schedulerName string) ([]task.ScheduleEntry, error) {
	out := make([]task.ScheduleEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out, nil
}
func (b *fakeBackend) UpsertScheduleEntry(ctx context.Context, e task.ScheduleEntry) error {
	b.entries[e.Key] = e
	return nil
}
func (b *fakeBackend) DeleteScheduleEntry(ctx context.Context, schedulerName, key string) error {
	delete(b.entries, key)
	return nil
}

func TestReconcileFiresDueEntryOnce(t *testing.T) {
	be := newFakeBackend()
	s := New(be, Config{Name: "S", HolderID: "h1"})
	s.Declare([]task.ScheduleEntry{
		{Key: "k1", Group: "g", Name: "n", Schedule: task.RegularSchedule{}},
	})

	now := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	if err := s.reconcile(context.Background(), now); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(be.fired) == 0 {
		t.Fatal("expected at least one fired task")
	}
	fired := len(be.fired)

	// Reconciling again at the same instant must not re-fire what's
	// already past LastFiredAt.
	if err := s.reconcile(context.Background(), now); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(be.fired) != fired {
		t.Fatalf("expected no additional firings, had %d now %d", fired, len(be.fired))
	}
}

func TestReconcileClampsBackfillToMaxBackfill(t *testing.T) {
	be := newFakeBackend()
	s := New(be, Config{Name: "S", HolderID: "h1", MaxBackfill: 5 * time.Second})
	s.Declare([]task.ScheduleEntry{
		{Key: "k1", Group: "g", Name: "n", Schedule: task.RegularSchedule{}},
	})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.reconcile(context.Background(), start); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// The entry last fired at `start`. Reconcile again an hour later: with
	// a per-second schedule and no backfill cap this would replay 3600
	// missed occurrences; MaxBackfill bounds replay to the last 5s.
	later := start.Add(time.Hour)
	if err := s.reconcile(context.Background(), later); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if got := len(be.fired); got > 10 {
		t.Fatalf("expected backfill bounded to a handful of occurrences, got %d", got)
	}
}

func TestReconcileDeletesUndeclaredEntries(t *testing.T) {
	be := newFakeBackend()
	be.entries["stale"] = task.ScheduleEntry{Key: "stale", SchedulerName: "S", Schedule: task.RegularSchedule{}}

	s := New(be, Config{Name: "S", HolderID: "h1"})
	s.Declare(nil)

	if err := s.reconcile(context.Background(), time.Now()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := be.entries["stale"]; ok {
		t.Fatal("expected stale entry to be deleted")
	}
}
