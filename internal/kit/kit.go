// Package kit is the top-level orchestrator a caller embeds: it wires a
// backend.Backend to a registry.Registry of handlers and exposes task
// submission, in-process pool/scheduler startup, and OS-process startup.
// Start blocks until a signal or context cancellation, then drains
// pools and the scheduler with a deadline before returning.
package kit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/pool"
	"github.com/saryou/taskkit/internal/registry"
	"github.com/saryou/taskkit/internal/schedule"
	"github.com/saryou/taskkit/internal/task"
)

// GroupConfig describes the pool size and lease duration for one group.
type GroupConfig struct {
	Group         string
	Size          int
	LeaseDuration time.Duration
}

// Config controls a Kit instance.
type Config struct {
	Groups        []GroupConfig
	SchedulerName string
	ScheduleEntries []task.ScheduleEntry
	Logger        *logrus.Logger
}

func (c *Config) defaults() {
	if c.SchedulerName == "" {
		c.SchedulerName = "default"
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Kit is the caller-facing entry point for enqueuing and awaiting tasks,
// and for starting the pools/scheduler that process them.
type Kit struct {
	be       backend.Backend
	registry *registry.Registry
	cfg      Config

	pools     []*pool.Pool
	scheduler *schedule.Scheduler
}

// New creates a Kit over be, dispatching tasks through reg.
func New(be backend.Backend, reg *registry.Registry, cfg Config) *Kit {
	cfg.defaults()
	return &Kit{be: be, registry: reg, cfg: cfg}
}

// InitiateTask encodes data through the handler registered for
// group/name, enqueues a task, and returns a ResultHandle the caller can
// use to await its outcome.
func (k *Kit) InitiateTask(ctx context.Context, group, name string, data any) (*ResultHandle, error) {
	h, ok := k.registry.Get(group, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrHandlerNotRegistered, group, name)
	}
	payload, err := h.EncodeData(group, name, data)
	if err != nil {
		return nil, fmt.Errorf("taskkit: encode task data: %w", err)
	}
	t := task.Task{
		ID:    uuid.New().String(),
		Group: group,
		Name:  name,
		Data:  payload,
		DueAt: time.Now(),
	}
	if err := k.be.Enqueue(ctx, t); err != nil {
		return nil, fmt.Errorf("taskkit: enqueue task: %w", err)
	}
	return &ResultHandle{be: k.be, handler: h, t: t}, nil
}

// Start launches one worker pool per configured group plus the scheduler,
// all in-process, and blocks until ctx is canceled or a SIGINT/SIGTERM
// arrives, then drains everything within shutdownTimeout.
func (k *Kit) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	k.startPools(runCtx)
	k.startScheduler(runCtx)

	select {
	case <-runCtx.Done():
	case sig := <-sigCh:
		k.cfg.Logger.WithField("signal", sig.String()).Info("received shutdown signal")
	}

	return k.shutdown(shutdownTimeout)
}

func (k *Kit) startPools(ctx context.Context) {
	var wg sync.WaitGroup
	for _, gc := range k.cfg.Groups {
		p := pool.New(k.be, k.registry, pool.Config{
			Group:         gc.Group,
			Size:          gc.Size,
			LeaseDuration: gc.LeaseDuration,
			Logger:        k.cfg.Logger,
		})
		k.pools = append(k.pools, p)
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Start(ctx)
		}(p)
	}
	wg.Wait()
}

func (k *Kit) startScheduler(ctx context.Context) {
	if len(k.cfg.ScheduleEntries) == 0 {
		return
	}
	s := schedule.New(k.be, schedule.Config{
		Name:     k.cfg.SchedulerName,
		HolderID: uuid.New().String(),
		Logger:   k.cfg.Logger,
	})
	s.Declare(k.cfg.ScheduleEntries)
	s.Start(ctx)
	k.scheduler = s
}

func (k *Kit) shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range k.pools {
			p.Stop()
		}
		if k.scheduler != nil {
			k.scheduler.Stop()
		}
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("taskkit: shutdown did not complete within %s", timeout)
	}
}

// StartProcesses spawns one detached OS process per configured group
// (re-invoking the caller's own binary with binaryPath and workerArgs)
// instead of running pools in-process, using a new session so each
// process survives the parent exiting. It returns the spawned
// processes' PIDs.
func (k *Kit) StartProcesses(binaryPath string, workerArgs func(group string) []string) ([]int, error) {
	var pids []int
	for _, gc := range k.cfg.Groups {
		cmd := exec.Command(binaryPath, workerArgs(gc.Group)...)
		configureDaemonProc(cmd)
		if err := cmd.Start(); err != nil {
			return pids, fmt.Errorf("taskkit: start worker process for group %s: %w", gc.Group, err)
		}
		pids = append(pids, cmd.Process.Pid)
	}
	return pids, nil
}

func decodeErrorDescriptor(payload []byte, out *task.ErrorDescriptor) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("taskkit: decode error descriptor: %w", err)
	}
	return nil
}
