// Package schedule runs the recurring-schedule engine: one replica holds
// a named lock, computes the next firing instant for each declared
// task.ScheduleEntry, and enqueues a deterministically-identified task
// when it comes due. The declared entry set is reconciled against
// storage idempotently on every tick, so a restart or a missed tick
// never produces a duplicate firing for an instant already recorded.
package schedule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/task"
)

// Config controls one Scheduler replica.
type Config struct {
	Name          string // shared lock name; replicas with the same Name contend for one holder
	HolderID      string
	LeaseDuration time.Duration
	TickInterval  time.Duration
	Location      *time.Location
	Logger        *logrus.Logger

	// MaxBackfill bounds how far before now a reconcile will replay missed
	// occurrences for an entry whose LastFiredAt is older than that. Without
	// this floor, a scheduler that was down (or lost its lock) for a long
	// stretch would burst-fire every occurrence missed since LastFiredAt in
	// a single reconcile call.
	MaxBackfill time.Duration
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.MaxBackfill <= 0 {
		c.MaxBackfill = 60 * time.Second
	}
}

// Scheduler declares a set of recurring task.ScheduleEntry values and
// fires them into a backend.Backend as ordinary tasks when due.
type Scheduler struct {
	be  backend.Backend
	cfg Config

	mu      sync.Mutex
	entries map[string]task.ScheduleEntry // keyed by Key

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler backed by be.
func New(be backend.Backend, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{be: be, cfg: cfg, entries: make(map[string]task.ScheduleEntry)}
}

// Declare registers the authoritative set of entries this Scheduler
// manages, replacing any previous declaration. Declare may be called
// before Start or while running; the next reconciliation tick picks up
// the change.
func (s *Scheduler) Declare(entries []task.ScheduleEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]task.ScheduleEntry, len(entries))
	for _, e := range entries {
		e.SchedulerName = s.cfg.Name
		s.entries[e.Key] = e
	}
}

// Start begins the lock-acquire/reconcile/fire loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop cancels the loop and waits for it to release the scheduler lock.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	log := s.cfg.Logger.WithField("scheduler", s.cfg.Name)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	held := false
	defer func() {
		if held {
			if err := s.be.ReleaseScheduler(context.Background(), s.cfg.Name, s.cfg.HolderID); err != nil {
				log.WithError(err).Error("release scheduler lock failed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if !held {
			ok, err := s.be.AcquireScheduler(ctx, s.cfg.Name, s.cfg.HolderID, s.cfg.LeaseDuration, now)
			if err != nil {
				log.WithError(err).Warn("acquire scheduler lock failed")
				continue
			}
			if !ok {
				continue
			}
			held = true
			log.Info("acquired scheduler lock")
		} else {
			ok, err := s.be.RenewScheduler(ctx, s.cfg.Name, s.cfg.HolderID, s.cfg.LeaseDuration, now)
			if err != nil {
				log.WithError(err).Warn("renew scheduler lock failed")
				continue
			}
			if !ok {
				held = false
				log.Warn("lost scheduler lock")
				continue
			}
		}

		if err := s.reconcile(ctx, now); err != nil {
			log.WithError(err).Error("reconcile failed")
		}
	}
}

// reconcile upserts the declared entries, fires any that are due, and
// removes stored entries no longer declared.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	declared := make(map[string]task.ScheduleEntry, len(s.entries))
	for k, e := range s.entries {
		declared[k] = e
	}
	s.mu.Unlock()

	stored, err := s.be.ListScheduleEntries(ctx, s.cfg.Name)
	if err != nil {
		return fmt.Errorf("list schedule entries: %w", err)
	}
	storedByKey := make(map[string]task.ScheduleEntry, len(stored))
	for _, e := range stored {
		storedByKey[e.Key] = e
	}

	for key, e := range declared {
		cur := e
		if existing, ok := storedByKey[key]; ok {
			cur.LastFiredAt = existing.LastFiredAt
		}

		after := now.Add(-time.Nanosecond)
		if cur.LastFiredAt != nil {
			after = *cur.LastFiredAt
		}
		if floor := now.Add(-s.cfg.MaxBackfill); after.Before(floor) {
			after = floor
		}
		next := cur.Schedule.NextAfter(after, s.cfg.Location)
		for !next.After(now) {
			if err := s.fire(ctx, cur, next); err != nil {
				return err
			}
			cur.LastFiredAt = &next
			next = cur.Schedule.NextAfter(next, s.cfg.Location)
		}

		if err := s.be.UpsertScheduleEntry(ctx, cur); err != nil {
			return fmt.Errorf("upsert schedule entry %s: %w", key, err)
		}
	}

	for key := range storedByKey {
		if _, ok := declared[key]; !ok {
			if err := s.be.DeleteScheduleEntry(ctx, s.cfg.Name, key); err != nil {
				return fmt.Errorf("delete schedule entry %s: %w", key, err)
			}
		}
	}
	return nil
}

// fire enqueues the task for one firing instant of entry e, using a
// deterministic id so replicas that race to fire the same occurrence
// converge on exactly one enqueued task.
func (s *Scheduler) fire(ctx context.Context, e task.ScheduleEntry, firing time.Time) error {
	id := OccurrenceID(s.cfg.Name, e.Key, firing)
	return s.be.Enqueue(ctx, task.Task{
		ID:    id,
		Group: e.Group,
		Name:  e.Name,
		Data:  e.Data,
		DueAt: firing,
	})
}

// OccurrenceID deterministically derives a task id for one firing of one
// schedule entry, so the same (scheduler, key, instant) triple always
// produces the same id regardless of which replica computes it.
func OccurrenceID(schedulerName, key string, firing time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", schedulerName, key, firing.UTC().Unix())))
	return hex.EncodeToString(h[:])[:32]
}
