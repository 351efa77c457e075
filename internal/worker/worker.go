// Package worker runs a single polling actor: claim a task from one
// group, keep its lease alive while a handler runs, and finalize it.
// Lease renewal runs on its own ticker goroutine, independent of how
// long the handler takes, and flips an atomic flag if a renewal is
// ever rejected so the main goroutine can abandon the task instead of
// reporting a result for work it may no longer own.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/registry"
	"github.com/saryou/taskkit/internal/task"
)

// Config controls one Worker's polling and lease behavior.
type Config struct {
	Group         string
	LeaseDuration time.Duration
	Logger        *logrus.Logger
}

func (c *Config) defaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Worker repeatedly claims and runs tasks from one group until its
// context is canceled.
type Worker struct {
	id       string
	be       backend.Backend
	registry *registry.Registry
	cfg      Config
}

// New creates a Worker identified by id, backed by be, dispatching
// through reg.
func New(id string, be backend.Backend, reg *registry.Registry, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{id: id, be: be, registry: reg, cfg: cfg}
}

// Run polls for and executes tasks until ctx is canceled. It returns nil
// on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second}
	// pollDelay returns the next backoff step with ±25% jitter applied.
	pollDelay := func() time.Duration {
		return time.Duration(float64(b.Duration()) * (0.75 + rand.Float64()*0.5))
	}
	log := w.cfg.Logger.WithFields(logrus.Fields{"worker_id": w.id, "group": w.cfg.Group})

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t, err := w.be.Assign(ctx, w.cfg.Group, w.id, w.cfg.LeaseDuration, time.Now())
		if err != nil {
			log.WithError(err).Warn("assign failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollDelay()):
			}
			continue
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollDelay()):
			}
			continue
		}
		b.Reset()
		w.runOne(ctx, log, *t)
	}
}

// runOne holds a claimed task's lease alive on a ticker while its
// handler runs in the current goroutine, then finalizes the task
// according to the handler's outcome.
func (w *Worker) runOne(ctx context.Context, log *logrus.Entry, t task.Task) {
	h, ok := w.registry.Get(t.Group, t.Name)
	if !ok {
		log.WithField("task_id", t.ID).Error("no handler registered, discarding")
		if _, err := w.be.Discard(ctx, t.ID, w.id); err != nil {
			log.WithError(err).Error("discard failed")
		}
		return
	}

	var leaseLost int32
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := w.be.Renew(ctx, t.ID, w.id, w.cfg.LeaseDuration, time.Now())
				if err != nil {
					log.WithError(err).Warn("renew failed")
					continue
				}
				if !ok {
					atomic.StoreInt32(&leaseLost, 1)
					return
				}
			}
		}
	}()

	value, handleErr := h.Handle(ctx, t)
	stopRenew()
	<-done

	if atomic.LoadInt32(&leaseLost) == 1 {
		log.WithField("task_id", t.ID).Warn("lease lost during handling, worker abandons task")
		return
	}

	if handleErr == nil {
		w.finalizeSuccess(ctx, log, h, t, value)
		return
	}
	w.finalizeError(ctx, log, h, t, handleErr)
}

func (w *Worker) finalizeSuccess(ctx context.Context, log *logrus.Entry, h task.Handler, t task.Task, value any) {
	payload, err := h.EncodeResult(t, value)
	if err != nil {
		log.WithError(err).Error("encode result failed, failing task permanently")
		w.failPermanent(ctx, log, t, "encode_error", err)
		return
	}
	ok, err := w.be.Complete(ctx, t.ID, w.id, task.Result{
		Kind:      task.ResultSuccess,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.WithError(err).Error("complete failed")
		return
	}
	if !ok {
		log.WithField("task_id", t.ID).Warn("complete rejected, lease no longer held")
	}
}

func (w *Worker) finalizeError(ctx context.Context, log *logrus.Entry, h task.Handler, t task.Task, handleErr error) {
	if errors.Is(handleErr, task.ErrDiscard) {
		w.discard(ctx, log, t)
		return
	}

	interval, retryErr := h.GetRetryInterval(t, handleErr)
	if retryErr != nil {
		if errors.Is(retryErr, task.ErrDiscard) {
			w.discard(ctx, log, t)
			return
		}
		log.WithError(retryErr).Error("get retry interval failed, failing task permanently")
		w.failPermanent(ctx, log, t, "retry_policy_error", retryErr)
		return
	}
	if interval == nil {
		w.failPermanent(ctx, log, t, "handler_error", handleErr)
		return
	}

	ok, err := w.be.Reschedule(ctx, t.ID, w.id, time.Now().Add(*interval), t.RetryCount+1)
	if err != nil {
		log.WithError(err).Error("reschedule failed")
		return
	}
	if !ok {
		log.WithField("task_id", t.ID).Warn("reschedule rejected, lease no longer held")
	}
}

func (w *Worker) discard(ctx context.Context, log *logrus.Entry, t task.Task) {
	ok, err := w.be.Discard(ctx, t.ID, w.id)
	if err != nil {
		log.WithError(err).Error("discard failed")
		return
	}
	if !ok {
		log.WithField("task_id", t.ID).Warn("discard rejected, lease no longer held")
	}
}

// failPermanent records a terminal failure. The descriptor's Type is the
// underlying error's Go type name (e.g. "*errors.errorString",
// "*exec.ExitError") so a result consumer can distinguish failure causes;
// category falls back to a coarse label only when cause is nil.
func (w *Worker) failPermanent(ctx context.Context, log *logrus.Entry, t task.Task, category string, cause error) {
	errType := category
	if cause != nil {
		errType = fmt.Sprintf("%T", cause)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	descr := task.ErrorDescriptor{Type: errType, Message: msg}
	ok, err := w.be.FailPermanent(ctx, t.ID, w.id, descr)
	if err != nil {
		log.WithError(err).Error("fail permanent failed")
		return
	}
	if !ok {
		log.WithField("task_id", t.ID).Warn("fail permanent rejected, lease no longer held")
	}
}
