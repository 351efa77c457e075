// Package pool runs a fixed-size group of worker.Worker goroutines
// against one task group, all sharing one backend.Backend, and drains
// them on Stop via a shared context.CancelFunc and sync.WaitGroup.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/saryou/taskkit/internal/backend"
	"github.com/saryou/taskkit/internal/registry"
	"github.com/saryou/taskkit/internal/worker"
)

// Config describes one group's pool: a single concurrency number,
// since a pool is already scoped to one group.
type Config struct {
	Group         string        `yaml:"group"`
	Size          int           `yaml:"size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	Logger        *logrus.Logger
}

func (c *Config) defaults() {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Pool runs Config.Size worker.Worker goroutines against one group until
// stopped.
type Pool struct {
	be  backend.Backend
	reg *registry.Registry
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	idsMu sync.Mutex
	ids   []string
}

// New creates a Pool for cfg.Group, backed by be and dispatching through
// reg.
func New(be backend.Backend, reg *registry.Registry, cfg Config) *Pool {
	cfg.defaults()
	return &Pool{be: be, reg: reg, cfg: cfg}
}

// Start launches the pool's workers in the background. It returns
// immediately; call Stop to drain them.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Size; i++ {
		id := fmt.Sprintf("%s-%s", p.cfg.Group, uuid.New().String())
		p.idsMu.Lock()
		p.ids = append(p.ids, id)
		p.idsMu.Unlock()

		w := worker.New(id, p.be, p.reg, worker.Config{
			Group:         p.cfg.Group,
			LeaseDuration: p.cfg.LeaseDuration,
			Logger:        p.cfg.Logger,
		})
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Run(runCtx); err != nil {
				p.cfg.Logger.WithError(err).WithField("worker_id", id).Error("worker exited with error")
			}
		}()
	}
	p.cfg.Logger.WithFields(logrus.Fields{"group": p.cfg.Group, "size": p.cfg.Size}).Info("pool started")
}

// Stop cancels every worker in the pool and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.cfg.Logger.WithField("group", p.cfg.Group).Info("pool stopped")
}

// WorkerIDs returns a snapshot of this pool's worker ids.
func (p *Pool) WorkerIDs() []string {
	p.idsMu.Lock()
	defer p.idsMu.Unlock()
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}
