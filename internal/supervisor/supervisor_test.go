package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/dispatch"
	"github.com/osvaldoandrade/mediaq/internal/flow"
	"github.com/osvaldoandrade/mediaq/internal/repository"
	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// harness wires the real repositories, dispatcher and supervisor on top of a
// miniredis instance, so scenarios exercise the same paths production does.
type harness struct {
	ctx   context.Context
	rdb   *redis.Client
	tasks repository.TaskRepository
	jobs  repository.JobRepository
	disp  *dispatch.Dispatcher
	sup   *Supervisor
}

func newHarness(t *testing.T, notifier Notifier) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tasks := repository.NewTaskRepository(rdb, time.UTC)
	jobs := repository.NewJobRepository(rdb, time.UTC, 900)
	return &harness{
		ctx:   context.Background(),
		rdb:   rdb,
		tasks: tasks,
		jobs:  jobs,
		disp:  dispatch.NewDispatcher(jobs, nil),
		sup:   New(tasks, jobs, notifier, nil),
	}
}

// start creates a task, builds its flow and submits the graph, mirroring what
// the task service does on create.
func (h *harness) start(t *testing.T, taskType domain.TaskType, payload string) *domain.Task {
	t.Helper()
	task, err := h.tasks.Create(h.ctx, taskType, "ws-1", json.RawMessage(payload), "", "", "", "")
	require.NoError(t, err)
	g, err := flow.Build(task)
	require.NoError(t, err)
	parentID, err := h.jobs.Submit(h.ctx, g)
	require.NoError(t, err)
	task.ParentJobID = parentID
	require.NoError(t, h.tasks.Save(h.ctx, task))
	return task
}

// runToDrain alternates worker claims and supervisor event handling until the
// queue has nothing left to hand out and no events remain.
func (h *harness) runToDrain(t *testing.T) {
	t.Helper()
	for i := 0; i < 500; i++ {
		job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
		require.NoError(t, err)
		if ok {
			require.NoError(t, h.disp.Dispatch(h.ctx, job))
			continue
		}
		// Retries sit in the delayed set; force them due.
		members, _ := h.rdb.ZRange(h.ctx, "mediaq:q:delayed", 0, -1).Result()
		if len(members) > 0 {
			for _, m := range members {
				require.NoError(t, h.rdb.ZAdd(h.ctx, "mediaq:q:delayed", &redis.Z{Score: 0, Member: m}).Err())
			}
			continue
		}
		processed, err := h.sup.ProcessNext(h.ctx, 10*time.Millisecond)
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatalf("scenario did not drain")
}

// pumpEvents runs only the supervisor side.
func (h *harness) pumpEvents(t *testing.T) {
	t.Helper()
	for {
		processed, err := h.sup.ProcessNext(h.ctx, 10*time.Millisecond)
		require.NoError(t, err)
		if !processed {
			return
		}
	}
}

func (h *harness) complete(step domain.StepType, output string) {
	h.disp.RegisterFunc(step, func(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
		return json.RawMessage(output), nil
	})
}

func (h *harness) failAlways(step domain.StepType, msg string) {
	h.disp.RegisterFunc(step, func(ctx context.Context, job *domain.Job, deps map[domain.StepType]domain.StepResult) (json.RawMessage, error) {
		return nil, dispatch.Fatal(errTest(msg))
	})
}

type errTest string

func (e errTest) Error() string { return string(e) }

func registerIngestHappy(h *harness) {
	h.complete(domain.StepProbe, `{"durationSeconds":60,"width":1920,"height":1080}`)
	h.complete(domain.StepThumbnail, `{"path":"/out/thumb.jpg"}`)
	h.complete(domain.StepSprite, `{"path":"/out/sprite.jpg"}`)
	h.complete(domain.StepProxy, `{"path":"/out/proxy.mp4"}`)
	h.complete(domain.StepUpload, `{"artifacts":[]}`)
	h.complete(domain.StepStoreResults, `{"stored":true}`)
}

func TestIngestFlowSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-1","sourcePath":"/in/a.mp4"}`)
	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Empty(t, got.ErrorLog)
	require.NotNil(t, got.Result)
	require.Equal(t, got.Result.TotalSteps, got.Result.CompletedCount)
	require.Empty(t, got.Result.Failed)
}

func TestCriticalStepFailureFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)
	h.failAlways(domain.StepSprite, "sprite grid render failed")

	// probe -> {thumbnail, sprite} -> upload -> store_results, no proxy: the
	// remaining steps still run, so the task fails with the progress it made.
	task := h.start(t, domain.TaskIngest, `{"assetId":"a-1","sourcePath":"/in/a.mp4","generateProxy":false}`)
	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)

	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(got.ErrorLog), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, domain.StepSprite, entries[0].Step)
	require.Equal(t, "sprite grid render failed", entries[0].Message)

	// Four of five steps completed.
	require.Equal(t, 4, got.Result.CompletedCount)
	require.Equal(t, 1, got.Result.FailedCount)
	require.Equal(t, 80, got.Progress)
	require.Less(t, got.Progress, 100)
}

func TestSpriteFailureFourStepScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(domain.StepProbe, `{}`)
	h.complete(domain.StepThumbnail, `{}`)
	h.complete(domain.StepUpload, `{}`)
	h.failAlways(domain.StepSprite, "sprite grid render failed")

	task, err := h.tasks.Create(h.ctx, domain.TaskIngest, "ws-1", json.RawMessage(`{}`), "", "", "", "")
	require.NoError(t, err)
	g := &domain.Graph{
		TaskID:   task.ID,
		TaskType: domain.TaskIngest,
		Steps: []domain.StepNode{
			{Type: domain.StepProbe, Retry: domain.RetryPolicy{MaxAttempts: 1, InitialDelaySeconds: 1}},
			{Type: domain.StepThumbnail, DependsOn: []domain.StepType{domain.StepProbe}, Retry: domain.RetryPolicy{MaxAttempts: 1, InitialDelaySeconds: 1}},
			{Type: domain.StepSprite, DependsOn: []domain.StepType{domain.StepProbe}, Retry: domain.RetryPolicy{MaxAttempts: 3, InitialDelaySeconds: 1}},
			{Type: domain.StepUpload, DependsOn: []domain.StepType{domain.StepThumbnail, domain.StepSprite}, Retry: domain.RetryPolicy{MaxAttempts: 1, InitialDelaySeconds: 1}},
		},
	}
	_, err = h.jobs.Submit(h.ctx, g)
	require.NoError(t, err)

	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)
	require.GreaterOrEqual(t, got.Progress, 50)
	require.LessOrEqual(t, got.Progress, 75)

	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(got.ErrorLog), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, domain.StepSprite, entries[0].Step)
}

func TestCriticalExhaustionFailsTaskBeforeDrain(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)
	h.failAlways(domain.StepSprite, "sprite grid render failed")

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-8","sourcePath":"/in/h.mp4","generateProxy":false}`)

	// Run only probe, thumbnail and sprite; upload and store_results stay in
	// the queue. The sprite exhaustion alone must fail the task.
	for i := 0; i < 3; i++ {
		job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, h.disp.Dispatch(h.ctx, job))
	}
	h.pumpEvents(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)
	require.Equal(t, 2, got.Result.CompletedCount)
	require.Equal(t, 1, got.Result.FailedCount)

	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(got.ErrorLog), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, domain.StepSprite, entries[0].Step)
}

func TestNonCriticalExhaustionKeepsTaskRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(domain.StepFrames, `{"framePaths":["/tmp/f1.jpg"]}`)
	h.complete(domain.StepDetectLabels, `{"labels":[]}`)
	h.failAlways(domain.StepDetectObjects, "objects down")

	task := h.start(t, domain.TaskDetectLabels, `{"assetId":"a-9","sourcePath":"/in/i.mp4"}`)

	// frames, then both analysis steps; store_results stays in the queue.
	for i := 0; i < 3; i++ {
		job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, h.disp.Dispatch(h.ctx, job))
	}
	h.pumpEvents(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunning, got.Status)
	require.Equal(t, 1, got.Result.FailedCount)
}

func TestParentFailureKeepsStepErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(domain.StepFrames, `{"framePaths":["/tmp/f1.jpg"]}`)
	h.complete(domain.StepDetectLabels, `{"labels":[]}`)
	h.failAlways(domain.StepDetectObjects, "objects down")

	task := h.start(t, domain.TaskDetectLabels, `{"assetId":"a-10","sourcePath":"/in/j.mp4"}`)

	for i := 0; i < 3; i++ {
		job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, h.disp.Dispatch(h.ctx, job))
	}
	require.NoError(t, h.jobs.PushEvent(h.ctx, domain.Event{
		Kind:     domain.EventParentFailed,
		ParentID: task.ParentJobID,
		TaskID:   task.ID,
		TaskType: task.Type,
		Error:    "graph lost",
	}))
	h.pumpEvents(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)

	// Best-effort aggregate alongside the parent-level entry.
	require.NotNil(t, got.Result)
	require.Equal(t, 2, got.Result.CompletedCount)
	require.Equal(t, 1, got.Result.FailedCount)

	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(got.ErrorLog), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, domain.StepDetectObjects, entries[0].Step)
	require.Equal(t, "objects down", entries[0].Message)
	require.Equal(t, domain.StepType("_parent"), entries[1].Step)
	require.Equal(t, "graph lost", entries[1].Message)
}

func TestDetectLabelsPartialSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(domain.StepFrames, `{"framePaths":["/tmp/f1.jpg"]}`)
	h.complete(domain.StepDetectObjects, `{"detections":[]}`)
	h.complete(domain.StepAudio, `{"path":"/tmp/a.wav"}`)
	h.complete(domain.StepTranscribe, `{"text":"hello"}`)
	h.complete(domain.StepStoreResults, `{"stored":true}`)
	h.failAlways(domain.StepDetectLabels, "label service quota exceeded")

	task := h.start(t, domain.TaskDetectLabels, `{"assetId":"a-2","sourcePath":"/in/b.mp4","transcribe":true}`)
	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status)
	require.Equal(t, 100, got.Progress)

	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(got.ErrorLog), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, domain.StepDetectLabels, entries[0].Step)

	require.Contains(t, got.Result.Completed, domain.StepDetectObjects)
	require.Contains(t, got.Result.Completed, domain.StepTranscribe)
	require.Contains(t, got.Result.Failed, domain.StepDetectLabels)
}

func TestAllAlternativesFailedFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(domain.StepFrames, `{"framePaths":[]}`)
	h.complete(domain.StepStoreResults, `{"stored":true}`)
	h.failAlways(domain.StepDetectObjects, "down")
	h.failAlways(domain.StepDetectLabels, "down")

	task := h.start(t, domain.TaskDetectLabels, `{"assetId":"a-3","sourcePath":"/in/c.mp4"}`)
	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, got.Status)
	require.Less(t, got.Progress, 100)
}

func TestProgressMonotoneAndCappedUntilTerminal(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-4","sourcePath":"/in/d.mp4"}`)

	prev := 0
	for i := 0; i < 500; i++ {
		job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
		require.NoError(t, err)
		if ok {
			require.NoError(t, h.disp.Dispatch(h.ctx, job))
		}
		processed, err := h.sup.ProcessNext(h.ctx, 10*time.Millisecond)
		require.NoError(t, err)

		got, err := h.tasks.Get(h.ctx, task.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.Progress, prev, "progress went backwards")
		if !got.Status.Terminal() {
			require.LessOrEqual(t, got.Progress, 99, "100 before terminal status")
		}
		prev = got.Progress

		if !ok && !processed {
			break
		}
	}

	h.pumpEvents(t)
	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status)
	require.Equal(t, 100, got.Progress)
}

func TestCancelMarksTaskCanceled(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-5","sourcePath":"/in/e.mp4"}`)

	// Run just the first step, then cancel.
	job, ok, err := h.jobs.Claim(h.ctx, "w-1", 30, 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.disp.Dispatch(h.ctx, job))
	require.NoError(t, h.jobs.Cancel(h.ctx, task.ParentJobID))

	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCanceled, got.Status)
	require.Less(t, got.Progress, 100)
}

type captureNotifier struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (c *captureNotifier) TaskFinished(ctx context.Context, task *domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, task)
}

func TestNotifierFiresOnceOnTerminal(t *testing.T) {
	n := &captureNotifier{}
	h := newHarness(t, n)
	registerIngestHappy(h)

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-6","sourcePath":"/in/f.mp4"}`)
	h.runToDrain(t)

	require.Len(t, n.tasks, 1)
	require.Equal(t, task.ID, n.tasks[0].ID)
	require.Equal(t, domain.TaskSuccess, n.tasks[0].Status)
}

func TestLateEventsAfterTerminalAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	registerIngestHappy(h)

	task := h.start(t, domain.TaskIngest, `{"assetId":"a-7","sourcePath":"/in/g.mp4"}`)
	h.runToDrain(t)

	got, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, got.Status)

	// A stale retry event must not resurrect the finished task.
	require.NoError(t, h.jobs.PushEvent(h.ctx, domain.Event{
		Kind:     domain.EventStepRetried,
		ParentID: task.ParentJobID,
		TaskID:   task.ID,
		TaskType: task.Type,
		StepType: domain.StepProbe,
		Error:    "stale",
	}))
	h.pumpEvents(t)

	after, err := h.tasks.Get(h.ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskSuccess, after.Status)
	require.Equal(t, 100, after.Progress)
}
