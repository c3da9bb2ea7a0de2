package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/internal/registry"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// Handler executes one step type. deps carries the current step-result
// mapping of the parent so a handler can read its dependencies' outputs.
type Handler interface {
	Execute(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
	return f(ctx, job, deps)
}

// ErrFatal wraps handler errors that must not be retried: the step goes
// straight to the DLQ regardless of its remaining attempt budget.
var ErrFatal = errors.New("fatal step error")

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

// Dispatcher routes a claimed step job to its registered handler and reports
// the outcome back to the queue. Dispatch is idempotent per step type: when a
// retried or re-delivered job finds a completed cached result, the handler is
// not invoked again.
type Dispatcher struct {
	jobs     repository.JobRepository
	handlers map[domain.StepType]Handler
	logger   *slog.Logger
}

func NewDispatcher(jobs repository.JobRepository, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:     jobs,
		handlers: make(map[domain.StepType]Handler),
		logger:   logger,
	}
}

func (d *Dispatcher) Register(step domain.StepType, h Handler) {
	d.handlers[step] = h
}

func (d *Dispatcher) RegisterFunc(step domain.StepType, f HandlerFunc) {
	d.Register(step, f)
}

// Dispatch runs one claimed job to a terminal or retried state. The returned
// error reports queue-side failures only; handler failures are absorbed into
// the job's retry lifecycle.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.Job) error {
	log := d.logger.With("jobId", job.ID, "taskId", job.TaskID, "step", job.StepType, "attempt", job.Attempts)

	if !registry.KnownStep(job.StepType) {
		log.Error("step type not in registry")
		_, _, err := d.jobs.FailStep(ctx, job, fmt.Sprintf("unknown step type %q", job.StepType), true)
		return err
	}
	h, ok := d.handlers[job.StepType]
	if !ok {
		// Registered in the catalog but no handler on this worker: fail fast so
		// the flow does not hang waiting for a step nobody can execute.
		log.Error("no handler registered for step")
		_, _, err := d.jobs.FailStep(ctx, job, fmt.Sprintf("no handler for step %q", job.StepType), true)
		return err
	}

	deps, err := d.jobs.StepResults(ctx, job.ParentID)
	if err != nil {
		return fmt.Errorf("load step results: %w", err)
	}

	// Idempotent re-delivery: a completed result for this step means a prior
	// attempt finished but its ack was lost. Re-ack the cached output.
	if cached, ok := deps[job.StepType]; ok && cached.Status == domain.StepCompleted {
		log.Info("step already completed, re-acking cached result")
		return d.jobs.CompleteStep(ctx, job, cached.Output)
	}

	started := time.Now()
	output, execErr := d.execute(ctx, h, job, deps)
	elapsed := time.Since(started).Seconds()

	if execErr != nil {
		fatal := errors.Is(execErr, ErrFatal)
		delay, exhausted, failErr := d.jobs.FailStep(ctx, job, execErr.Error(), fatal)
		if failErr != nil {
			return failErr
		}
		if exhausted {
			log.Error("step failed", "err", execErr)
		} else {
			log.Warn("step failed, retry scheduled", "err", execErr, "delaySeconds", delay)
		}
		metrics.StepDurationSeconds.WithLabelValues(string(job.StepType), string(domain.StepFailed)).Observe(elapsed)
		return nil
	}

	if err := d.jobs.CompleteStep(ctx, job, output); err != nil {
		return err
	}
	log.Info("step completed", "elapsedSeconds", elapsed)
	metrics.StepDurationSeconds.WithLabelValues(string(job.StepType), string(domain.StepCompleted)).Observe(elapsed)
	return nil
}

// execute isolates handler panics so one bad step cannot take the worker down.
func (d *Dispatcher) execute(ctx context.Context, h Handler, job *domain.Job, deps map[domain.StepType]domain.StepResult) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, job, deps)
}
