package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func setupTaskService(t *testing.T) (context.Context, *redis.Client, repository.JobRepository, TaskService) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	tasks := repository.NewTaskRepository(rdb, time.UTC)
	jobs := repository.NewJobRepository(rdb, time.UTC, 900)
	svc := NewTaskService(tasks, jobs, time.UTC, nil, nil)
	return context.Background(), rdb, jobs, svc
}

func TestCreateSubmitsFlow(t *testing.T) {
	ctx, rdb, jobs, svc := setupTaskService(t)

	task, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ParentJobID == "" {
		t.Fatalf("expected submitted flow to set parentJobId")
	}
	total, err := jobs.ChildrenTotal(ctx, task.ParentJobID)
	if err != nil || total == 0 {
		t.Fatalf("expected child steps, got %d (%v)", total, err)
	}
	// Only the root step is immediately claimable.
	if n, _ := rdb.LLen(ctx, "mediaq:q:pending").Result(); n != 1 {
		t.Fatalf("expected 1 pending root step, got %d", n)
	}
}

func TestCreateIdempotentReplayDoesNotResubmit(t *testing.T) {
	ctx, _, jobs, svc := setupTaskService(t)

	t1, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "idem-1", "", "")
	if err != nil {
		t.Fatalf("create 1: %v", err)
	}
	t2, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "idem-1", "", "")
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	if t1.ID != t2.ID || t1.ParentJobID != t2.ParentJobID {
		t.Fatalf("expected same task and flow on replay: %s/%s vs %s/%s", t1.ID, t1.ParentJobID, t2.ID, t2.ParentJobID)
	}
	stats, _ := jobs.QueueStats(ctx)
	if stats.Parents != 1 {
		t.Fatalf("expected a single submitted flow, got %d", stats.Parents)
	}
}

func TestCreateInvalidPayloadRejected(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)

	_, err := svc.Create(ctx, domain.TaskIngest, "ws-1", json.RawMessage(`{"assetId":""}`), "", "", "", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateUnknownTypeRejected(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)
	_, err := svc.Create(ctx, domain.TaskType("MINE_BITCOIN"), "ws-1", json.RawMessage(`{}`), "", "", "", "")
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestCreateInvalidWebhookRejected(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)
	_, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a","sourcePath":"/in/a.mp4"}`), "ftp://nope", "", "", "")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for webhook, got %v", err)
	}
}

func TestCancelFlagsFlow(t *testing.T) {
	ctx, _, jobs, svc := setupTaskService(t)

	task, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	canceled, err := jobs.Canceled(ctx, task.ParentJobID)
	if err != nil || !canceled {
		t.Fatalf("expected flow flagged canceled (%v)", err)
	}
}

func TestCancelMissingTask(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)
	if _, err := svc.Cancel(ctx, "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestResultEmptyBeforeSteps(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)
	task, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.Result(ctx, task.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.CompletedCount != 0 || len(res.Steps) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestCleanupExpired(t *testing.T) {
	ctx, _, _, svc := setupTaskService(t)
	if _, err := svc.Create(ctx, domain.TaskIngest, "ws-1",
		json.RawMessage(`{"assetId":"a-1","sourcePath":"/in/a.mp4"}`), "", "", "", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := svc.CleanupExpired(ctx, 10, time.Now().UTC().Add(48*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 cleaned, got %d (%v)", n, err)
	}
}
