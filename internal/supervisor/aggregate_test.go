package supervisor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/osvaldoandrade/mediaq/pkg/domain"

	"github.com/stretchr/testify/require"
)

func res(step domain.StepType, status domain.StepStatus) domain.StepResult {
	return domain.StepResult{Step: step, Status: status}
}

func TestAggregateCounters(t *testing.T) {
	steps := map[domain.StepType]domain.StepResult{
		domain.StepProbe:     res(domain.StepProbe, domain.StepCompleted),
		domain.StepThumbnail: res(domain.StepThumbnail, domain.StepFailed),
		domain.StepSprite:    res(domain.StepSprite, domain.StepRunning),
	}
	out := Aggregate(steps, 5)
	require.Equal(t, 5, out.TotalSteps)
	require.Equal(t, 1, out.CompletedCount)
	require.Equal(t, 1, out.FailedCount)
	require.Equal(t, []domain.StepType{domain.StepProbe}, out.Completed)
	require.Equal(t, []domain.StepType{domain.StepThumbnail}, out.Failed)
	require.Equal(t, domain.StepSprite, out.CurrentStep)
}

func TestAggregateTimestamps(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	steps := map[domain.StepType]domain.StepResult{
		domain.StepProbe: {Step: domain.StepProbe, Status: domain.StepCompleted, StartedAt: t0, CompletedAt: t0.Add(time.Minute)},
		domain.StepUpload: {Step: domain.StepUpload, Status: domain.StepCompleted,
			StartedAt: t0.Add(2 * time.Minute), CompletedAt: t0.Add(3 * time.Minute)},
	}
	out := Aggregate(steps, 2)
	require.Equal(t, t0, out.StartedAt)
	require.Equal(t, t0.Add(3*time.Minute), out.CompletedAt)
}

func TestProgressBehavior(t *testing.T) {
	steps := map[domain.StepType]domain.StepResult{
		domain.StepProbe:     res(domain.StepProbe, domain.StepCompleted),
		domain.StepThumbnail: res(domain.StepThumbnail, domain.StepRunning),
	}
	out := Aggregate(steps, 4)

	p := Progress(out, 0, domain.TaskRunning)
	require.Equal(t, 27, p) // 25% complete plus a small running bump

	// Never backwards.
	require.Equal(t, 50, Progress(out, 50, domain.TaskRunning))

	// Capped below 100 while live even with everything complete.
	all := map[domain.StepType]domain.StepResult{
		domain.StepProbe:     res(domain.StepProbe, domain.StepCompleted),
		domain.StepThumbnail: res(domain.StepThumbnail, domain.StepCompleted),
	}
	full := Aggregate(all, 2)
	require.Equal(t, 99, Progress(full, 0, domain.TaskRunning))

	// Exactly 100 only on success.
	require.Equal(t, 100, Progress(full, 99, domain.TaskSuccess))
	require.Equal(t, 99, Progress(full, 99, domain.TaskFailed))
}

func TestErrorLogOneEntryPerFailedStep(t *testing.T) {
	steps := map[domain.StepType]domain.StepResult{
		domain.StepProbe:  res(domain.StepProbe, domain.StepCompleted),
		domain.StepSprite: {Step: domain.StepSprite, Status: domain.StepFailed, Error: "grid failed"},
		domain.StepUpload: {Step: domain.StepUpload, Status: domain.StepFailed, Error: "bucket gone"},
	}
	log := ErrorLog(steps)
	var entries []domain.ErrorEntry
	require.NoError(t, json.Unmarshal([]byte(log), &entries))
	require.Len(t, entries, 2)
	require.Equal(t, domain.StepSprite, entries[0].Step)
	require.Equal(t, "grid failed", entries[0].Message)
	require.Equal(t, domain.StepUpload, entries[1].Step)

	require.Empty(t, ErrorLog(map[domain.StepType]domain.StepResult{
		domain.StepProbe: res(domain.StepProbe, domain.StepCompleted),
	}))
}
