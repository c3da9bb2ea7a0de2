// Package worker runs the step execution loop: claim a step job with a
// lease, keep the lease alive while the handler runs, and report the outcome
// through the dispatcher.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/repository"

	"github.com/google/uuid"
)

type Options struct {
	// ID identifies this worker in lease ownership; generated when empty.
	ID           string
	Concurrency  int
	LeaseSeconds int
	// HeartbeatInterval must stay well under the lease TTL.
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	InspectLimit      int
}

func (o *Options) defaults() {
	if o.ID == "" {
		host, _ := os.Hostname()
		o.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 60
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Duration(o.LeaseSeconds) * time.Second / 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.InspectLimit <= 0 {
		o.InspectLimit = 50
	}
}

type Worker struct {
	jobs   repository.JobRepository
	disp   *dispatch.Dispatcher
	opts   Options
	logger *slog.Logger
}

func New(jobs repository.JobRepository, disp *dispatch.Dispatcher, opts Options, logger *slog.Logger) *Worker {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{jobs: jobs, disp: disp, opts: opts, logger: logger.With("workerId", opts.ID)}
}

func (w *Worker) ID() string { return w.opts.ID }

// Run blocks until the context is canceled. In-flight steps are given a
// chance to finish; their results land on the queue before return.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started", "concurrency", w.opts.Concurrency, "leaseSeconds", w.opts.LeaseSeconds)
	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := w.jobs.Claim(ctx, w.opts.ID, w.opts.LeaseSeconds, w.opts.InspectLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "slot", slot, "err", err)
			w.sleep(ctx, time.Second)
			continue
		}
		if !ok {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		w.runOne(ctx, job.ID, func(runCtx context.Context) {
			if err := w.disp.Dispatch(runCtx, job); err != nil {
				w.logger.Error("dispatch failed", "jobId", job.ID, "step", job.StepType, "err", err)
			}
		})
	}
}

// runOne executes fn under a live lease: a heartbeat goroutine extends the
// lease until fn returns. The dispatch itself runs on a background context so
// a shutdown does not abort a step mid-flight.
func (w *Worker) runOne(ctx context.Context, jobID string, fn func(context.Context)) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := w.jobs.Heartbeat(hbCtx, jobID, w.opts.ID, w.opts.LeaseSeconds); err != nil {
					w.logger.Warn("heartbeat failed", "jobId", jobID, "err", err)
				}
				cancel()
			}
		}
	}()
	fn(context.Background())
	close(done)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
