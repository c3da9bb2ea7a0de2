package supervisor

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/osvaldoandrade/mediaq/internal/registry"
	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// Aggregate recomputes a task's result view from the parent's step-result
// mapping. It is a pure function of the mapping plus the graph's static step
// count, so replaying the same events always converges to the same result.
func Aggregate(steps map[domain.StepType]domain.StepResult, totalSteps int) *domain.TaskResult {
	res := &domain.TaskResult{
		Steps:      steps,
		TotalSteps: totalSteps,
	}
	ordered := make([]domain.StepType, 0, len(steps))
	for t := range steps {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	var currentStart time.Time
	for _, t := range ordered {
		r := steps[t]
		switch r.Status {
		case domain.StepCompleted:
			res.Completed = append(res.Completed, t)
			res.CompletedCount++
		case domain.StepFailed:
			res.Failed = append(res.Failed, t)
			res.FailedCount++
		case domain.StepRunning:
			// CurrentStep is the earliest-started running step.
			if res.CurrentStep == "" || (!r.StartedAt.IsZero() && r.StartedAt.Before(currentStart)) {
				res.CurrentStep = t
				currentStart = r.StartedAt
			}
		}
		if !r.StartedAt.IsZero() && (res.StartedAt.IsZero() || r.StartedAt.Before(res.StartedAt)) {
			res.StartedAt = r.StartedAt
		}
		if !r.CompletedAt.IsZero() && r.CompletedAt.After(res.CompletedAt) {
			res.CompletedAt = r.CompletedAt
		}
	}
	return res
}

// Progress maps an aggregated result onto a 0..100 integer. Each step weighs
// the same and only completed steps count; running steps contribute a small
// bump so long flows visibly move between completions. The value saturates at
// 99 while the task is live: only a successful terminal transition reports
// 100, and a failed task keeps the progress it actually made.
func Progress(res *domain.TaskResult, previous int, finalStatus domain.TaskStatus) int {
	if finalStatus == domain.TaskSuccess {
		return 100
	}
	if res.TotalSteps <= 0 {
		return previous
	}
	running := 0
	for _, r := range res.Steps {
		if r.Status == domain.StepRunning {
			running++
		}
	}
	bump := 2 * running
	if bump > 5 {
		bump = 5
	}
	p := (100*res.CompletedCount)/res.TotalSteps + bump
	if p > 99 {
		p = 99
	}
	// Progress never moves backwards, even when a retry flips a step from
	// completed counters back to running.
	if p < previous {
		return previous
	}
	return p
}

// FinalStatus applies the task type's outcome policy to a drained graph.
func FinalStatus(taskType domain.TaskType, steps map[domain.StepType]domain.StepResult) domain.TaskStatus {
	policy, err := registry.PolicyFor(taskType)
	if err != nil {
		return domain.TaskFailed
	}
	if policy.Satisfied(steps) {
		return domain.TaskSuccess
	}
	return domain.TaskFailed
}

// ErrorLog renders the task's error log: one entry per failed step, ordered
// by step type for stable output. Empty when nothing failed.
func ErrorLog(steps map[domain.StepType]domain.StepResult) string {
	entries := errorEntries(steps)
	if len(entries) == 0 {
		return ""
	}
	return marshalEntries(entries)
}

// errorLogWithParent renders the failed-step entries plus a synthetic
// "_parent" entry for a parent-level exception.
func errorLogWithParent(steps map[domain.StepType]domain.StepResult, msg string) string {
	entries := append(errorEntries(steps), domain.ErrorEntry{
		Step:    "_parent",
		Message: msg,
		At:      time.Now().UTC(),
	})
	return marshalEntries(entries)
}

func errorEntries(steps map[domain.StepType]domain.StepResult) []domain.ErrorEntry {
	var failed []domain.StepType
	for t, r := range steps {
		if r.Status == domain.StepFailed {
			failed = append(failed, t)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	entries := make([]domain.ErrorEntry, 0, len(failed))
	for _, t := range failed {
		r := steps[t]
		entries = append(entries, domain.ErrorEntry{
			Step:    t,
			Message: r.Error,
			At:      r.CompletedAt,
		})
	}
	return entries
}

func marshalEntries(entries []domain.ErrorEntry) string {
	b, err := json.Marshal(entries)
	if err != nil {
		return ""
	}
	return string(b)
}
