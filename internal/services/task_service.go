package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/flow"
	"github.com/osvaldoandrade/mediaq/internal/metrics"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskFinished  = errors.New("task already finished")
	ErrInvalidInput  = errors.New("invalid task input")
	ErrUnknownType   = errors.New("unknown task type")
	ErrInvalidCancel = errors.New("task has no submitted flow")
)

// TaskService is the write path of the orchestration engine: it owns task
// creation (validate payload, build the step graph, submit it to the queue)
// and the externally triggered transitions (cancel, cleanup).
type TaskService interface {
	Create(ctx context.Context, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook, idempotencyKey, traceParent, traceState string) (*domain.Task, error)
	Get(ctx context.Context, id string) (*domain.Task, error)
	Result(ctx context.Context, id string) (*domain.TaskResult, error)
	Cancel(ctx context.Context, id string) (*domain.Task, error)
	QueueStats(ctx context.Context) (*domain.QueueStats, error)
	CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error)
}

type taskService struct {
	tasks  repository.TaskRepository
	jobs   repository.JobRepository
	tz     *time.Location
	now    func() time.Time
	logger *slog.Logger
}

func NewTaskService(tasks repository.TaskRepository, jobs repository.JobRepository, tz *time.Location, now func() time.Time, logger *slog.Logger) TaskService {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &taskService{tasks: tasks, jobs: jobs, tz: tz, now: now, logger: logger}
}

func (s *taskService) Create(ctx context.Context, taskType domain.TaskType, workspaceID string, payload json.RawMessage, webhook, idempotencyKey, traceParent, traceState string) (*domain.Task, error) {
	known := false
	for _, t := range domain.AllTaskTypes() {
		if t == taskType {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, taskType)
	}
	if webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid webhook url", ErrInvalidInput)
		}
	}

	task, err := s.tasks.Create(ctx, taskType, workspaceID, payload, webhook, idempotencyKey, traceParent, traceState)
	if err != nil {
		return nil, err
	}
	// An idempotent replay returns the already-submitted task; the graph must
	// not be submitted twice.
	if task.ParentJobID != "" {
		return task, nil
	}

	g, err := flow.Build(task)
	if err != nil {
		// The record stays behind as FAILED so the client can inspect what was
		// rejected; nothing was queued.
		task.Status = domain.TaskFailed
		task.ErrorLog = buildErrorLog(err)
		if saveErr := s.tasks.Save(ctx, task); saveErr != nil {
			s.logger.Error("persist rejected task failed", "taskId", task.ID, "err", saveErr)
		}
		if errors.Is(err, flow.ErrInvalidPayload) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}

	parentID, err := s.jobs.Submit(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("submit flow: %w", err)
	}
	task.ParentJobID = parentID
	if err := s.tasks.Save(ctx, task); err != nil {
		return nil, err
	}

	metrics.TaskCreatedTotal.WithLabelValues(string(taskType)).Inc()
	s.logger.Info("task created",
		"taskId", task.ID, "type", taskType, "workspaceId", workspaceID,
		"parentJobId", parentID, "steps", len(g.Steps))
	return task, nil
}

func (s *taskService) Get(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

func (s *taskService) Result(ctx context.Context, id string) (*domain.TaskResult, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Result == nil {
		return &domain.TaskResult{}, nil
	}
	return t.Result, nil
}

func (s *taskService) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, ErrTaskFinished
	}
	if t.ParentJobID == "" {
		return nil, ErrInvalidCancel
	}
	if err := s.jobs.Cancel(ctx, t.ParentJobID); err != nil {
		return nil, fmt.Errorf("cancel flow: %w", err)
	}
	s.logger.Info("task cancel requested", "taskId", t.ID)
	return t, nil
}

func (s *taskService) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	return s.jobs.QueueStats(ctx)
}

func (s *taskService) CleanupExpired(ctx context.Context, limit int, before time.Time) (int, error) {
	if before.IsZero() {
		before = s.now().In(s.tz)
	}
	if limit <= 0 {
		limit = 1000
	}
	return s.tasks.CleanupExpired(ctx, limit, before)
}

func buildErrorLog(err error) string {
	b, mErr := json.Marshal([]domain.ErrorEntry{{Step: "_build", Message: err.Error(), At: time.Now().UTC()}})
	if mErr != nil {
		return ""
	}
	return string(b)
}
