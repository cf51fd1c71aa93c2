// Package dispatcher feeds dispatchable jobs to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/genjob"
	"github.com/JakeFAU/mediagen/internal/queue/memory"
)

// Runner is one worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Queue accepts job ids without blocking.
type Queue interface {
	Offer(id string) (bool, error)
	Close()
}

// Config controls the dispatch pass.
type Config struct {
	// Interval is the fallback scan period when nothing wakes the dispatcher.
	Interval time.Duration
	// BatchSize bounds how many jobs one pass reads.
	BatchSize int
}

// Dispatcher scans the store for dispatchable jobs and offers them to workers.
// Jobs that stay blocked remain PENDING and are offered again on a later pass.
type Dispatcher struct {
	store   genjob.JobStore
	queue   Queue
	workers []Runner
	cfg     Config
	wake    chan struct{}
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(store genjob.JobStore, queue Queue, workers []Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		queue:   queue,
		workers: workers,
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		logger:  logger.Named("dispatcher"),
	}
}

// Wake requests a dispatch pass as soon as possible. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts all workers and dispatches until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			d.queue.Close()
			wg.Wait()
			return
		case <-ticker.C:
		case <-d.wake:
		}
		d.Pass(ctx)
	}
}

// Pass offers up to BatchSize dispatchable jobs and returns how many were
// accepted by the queue.
func (d *Dispatcher) Pass(ctx context.Context) int {
	jobs, err := d.store.ListDispatchable(ctx, d.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("list dispatchable failed", zap.Error(err))
		}
		return 0
	}
	offered := 0
	for _, job := range jobs {
		ok, err := d.queue.Offer(job.ID)
		if err != nil {
			if !errors.Is(err, memory.ErrClosed) {
				d.logger.Error("queue offer failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			return offered
		}
		if ok {
			offered++
		}
	}
	if offered > 0 {
		d.logger.Debug("dispatch pass", zap.Int("candidates", len(jobs)), zap.Int("offered", offered))
	}
	return offered
}
