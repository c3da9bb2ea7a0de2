// Package supervisor drives task records to their terminal status from the
// queue's lifecycle events. One supervisor consumes the event stream, so
// every event updates the task exactly once, in arrival order.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/internal/registry"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// Notifier is told about tasks reaching a terminal status. Delivery runs
// outside the event loop's critical path.
type Notifier interface {
	TaskFinished(ctx context.Context, task *domain.Task)
}

type Supervisor struct {
	tasks    repository.TaskRepository
	jobs     repository.JobRepository
	notifier Notifier
	logger   *slog.Logger

	pollTimeout time.Duration
}

func New(tasks repository.TaskRepository, jobs repository.JobRepository, notifier Notifier, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		tasks:       tasks,
		jobs:        jobs,
		notifier:    notifier,
		logger:      logger,
		pollTimeout: 5 * time.Second,
	}
}

// Run consumes events until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info("flow supervisor started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("flow supervisor stopped")
			return
		default:
		}
		if _, err := s.ProcessNext(ctx, s.pollTimeout); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("flow supervisor stopped")
				return
			}
			s.logger.Error("supervisor event handling failed", "err", err)
			time.Sleep(time.Second)
		}
	}
}

// ProcessNext handles at most one event; it reports whether one was consumed.
// A malformed or stale event is logged and dropped, never retried: the
// aggregated view is recomputed from the full mapping on the next event, so
// dropping one cannot corrupt the task record.
func (s *Supervisor) ProcessNext(ctx context.Context, timeout time.Duration) (bool, error) {
	ev, ok, err := s.jobs.NextEvent(ctx, timeout)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.handle(ctx, ev); err != nil {
		s.logger.Error("dropping event after handling failure",
			"kind", ev.Kind, "taskId", ev.TaskID, "err", err)
	}
	return true, nil
}

func (s *Supervisor) handle(ctx context.Context, ev *domain.Event) error {
	task, err := s.tasks.Get(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	// Terminal guard: late events from steps that were already running when
	// the task finished (or was canceled) must not resurrect it.
	if task.Status.Terminal() {
		return nil
	}

	switch ev.Kind {
	case domain.EventTaskCanceled:
		task.Status = domain.TaskCanceled
		return s.finish(ctx, task)

	case domain.EventParentFailed:
		return s.parentFailed(ctx, task, ev)

	case domain.EventParentCompleted:
		return s.finalize(ctx, task, ev.ParentID)

	case domain.EventStepFailed:
		return s.stepExhausted(ctx, task, ev)

	case domain.EventStepActive, domain.EventStepCompleted, domain.EventStepRetried:
		return s.refresh(ctx, task, ev.ParentID)
	}
	s.logger.Warn("unknown event kind", "kind", ev.Kind)
	return nil
}

// refresh recomputes the live view of a still-running task.
func (s *Supervisor) refresh(ctx context.Context, task *domain.Task, parentID string) error {
	steps, total, err := s.load(ctx, parentID)
	if err != nil {
		return err
	}
	res := Aggregate(steps, total)
	task.Status = domain.TaskRunning
	task.Result = res
	task.Progress = Progress(res, task.Progress, domain.TaskRunning)
	task.Attempts = totalAttempts(steps)
	task.ErrorLog = ErrorLog(steps)
	return s.tasks.Save(ctx, task)
}

// stepExhausted handles a step that ran out of attempts. Exhausting a
// critical step fails the task right away; the rest of the graph still
// drains in the background and the terminal guard swallows its events.
// Non-critical exhaustion only refreshes the live view.
func (s *Supervisor) stepExhausted(ctx context.Context, task *domain.Task, ev *domain.Event) error {
	policy, err := registry.PolicyFor(task.Type)
	if err != nil || !policy.Critical(ev.StepType) {
		return s.refresh(ctx, task, ev.ParentID)
	}
	steps, total, err := s.load(ctx, ev.ParentID)
	if err != nil {
		return err
	}
	res := Aggregate(steps, total)
	task.Status = domain.TaskFailed
	task.Result = res
	task.Progress = Progress(res, task.Progress, domain.TaskFailed)
	task.Attempts = totalAttempts(steps)
	task.ErrorLog = ErrorLog(steps)
	return s.finish(ctx, task)
}

// parentFailed fails the task when the queue gave up on the graph itself.
// The aggregate is still recomputed best-effort so completed work and
// per-step failures stay visible next to the parent-level entry.
func (s *Supervisor) parentFailed(ctx context.Context, task *domain.Task, ev *domain.Event) error {
	task.Status = domain.TaskFailed
	task.ErrorLog = errorLogWithParent(nil, ev.Error)
	if steps, total, err := s.load(ctx, ev.ParentID); err == nil {
		res := Aggregate(steps, total)
		task.Result = res
		task.Progress = Progress(res, task.Progress, domain.TaskFailed)
		task.Attempts = totalAttempts(steps)
		task.ErrorLog = errorLogWithParent(steps, ev.Error)
	}
	return s.finish(ctx, task)
}

// finalize applies the task type's outcome policy once the graph drained.
func (s *Supervisor) finalize(ctx context.Context, task *domain.Task, parentID string) error {
	steps, total, err := s.load(ctx, parentID)
	if err != nil {
		return err
	}
	res := Aggregate(steps, total)
	status := FinalStatus(task.Type, steps)

	task.Status = status
	task.Result = res
	task.Progress = Progress(res, task.Progress, status)
	task.Attempts = totalAttempts(steps)
	task.ErrorLog = ErrorLog(steps)
	return s.finish(ctx, task)
}

func (s *Supervisor) finish(ctx context.Context, task *domain.Task) error {
	if err := s.tasks.Save(ctx, task); err != nil {
		return err
	}
	s.logger.Info("task finished",
		"taskId", task.ID, "type", task.Type, "status", task.Status, "progress", task.Progress)
	metrics.TaskFinishedTotal.WithLabelValues(string(task.Type), string(task.Status)).Inc()
	if !task.CreatedAt.IsZero() {
		metrics.TaskDurationSeconds.
			WithLabelValues(string(task.Type), string(task.Status)).
			Observe(time.Since(task.CreatedAt).Seconds())
	}
	if s.notifier != nil {
		s.notifier.TaskFinished(ctx, task)
	}
	return nil
}

func (s *Supervisor) load(ctx context.Context, parentID string) (map[domain.StepType]domain.StepResult, int, error) {
	steps, err := s.jobs.StepResults(ctx, parentID)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.jobs.ChildrenTotal(ctx, parentID)
	if err != nil {
		return nil, 0, err
	}
	return steps, total, nil
}

func totalAttempts(steps map[domain.StepType]domain.StepResult) int {
	n := 0
	for _, r := range steps {
		n += r.Attempts
	}
	return n
}
