// Package registry is the static table of step retry policies and task-type
// outcome policies. Everything here is fixed at build time: step types are
// never created at runtime, and the critical/non-critical decision lives in
// one place instead of being re-derived per task type.
package registry

import (
	"fmt"

	"github.com/osvaldoandrade/mediaq/pkg/domain"
)

// Retry budgets differ by expected cost and flakiness of the call behind the
// step. Cheap local subprocess work gets few attempts and a short delay;
// external analysis APIs get a longer delay; result persistence keeps a short
// delay so it fails fast and loud instead of retrying for minutes.
var stepRetries = map[domain.StepType]domain.RetryPolicy{
	domain.StepProbe:         {MaxAttempts: 2, InitialDelaySeconds: 2},
	domain.StepThumbnail:     {MaxAttempts: 3, InitialDelaySeconds: 5},
	domain.StepSprite:        {MaxAttempts: 3, InitialDelaySeconds: 5},
	domain.StepProxy:         {MaxAttempts: 3, InitialDelaySeconds: 10},
	domain.StepFrames:        {MaxAttempts: 3, InitialDelaySeconds: 5},
	domain.StepAudio:         {MaxAttempts: 3, InitialDelaySeconds: 5},
	domain.StepPrepare:       {MaxAttempts: 3, InitialDelaySeconds: 5},
	domain.StepCompose:       {MaxAttempts: 2, InitialDelaySeconds: 10},
	domain.StepEncode:        {MaxAttempts: 3, InitialDelaySeconds: 10},
	domain.StepUpload:        {MaxAttempts: 4, InitialDelaySeconds: 10},
	domain.StepDetectObjects: {MaxAttempts: 3, InitialDelaySeconds: 30},
	domain.StepDetectLabels:  {MaxAttempts: 3, InitialDelaySeconds: 30},
	domain.StepTranscribe:    {MaxAttempts: 3, InitialDelaySeconds: 30},
	domain.StepStoreResults:  {MaxAttempts: 3, InitialDelaySeconds: 2},
}

// TaskPolicy decides the final outcome of a task from its step results.
//
// Every step not listed in NonCritical is critical: exhausting its retries
// fails the task immediately. When AllowPartial is set, the task still
// succeeds if every critical step completed and at least one step of
// Alternatives completed, even though other alternatives failed.
type TaskPolicy struct {
	TaskType     domain.TaskType
	NonCritical  map[domain.StepType]bool
	AllowPartial bool
	Alternatives []domain.StepType
}

var taskPolicies = map[domain.TaskType]TaskPolicy{
	domain.TaskIngest: {
		TaskType: domain.TaskIngest,
	},
	domain.TaskRender: {
		TaskType: domain.TaskRender,
	},
	domain.TaskDetectLabels: {
		TaskType: domain.TaskDetectLabels,
		NonCritical: map[domain.StepType]bool{
			domain.StepDetectObjects: true,
			domain.StepDetectLabels:  true,
			domain.StepTranscribe:    true,
		},
		AllowPartial: true,
		Alternatives: []domain.StepType{
			domain.StepDetectObjects,
			domain.StepDetectLabels,
			domain.StepTranscribe,
		},
	},
}

// StepRetry returns the retry policy for a step type.
func StepRetry(t domain.StepType) (domain.RetryPolicy, error) {
	p, ok := stepRetries[t]
	if !ok {
		return domain.RetryPolicy{}, fmt.Errorf("unknown step type %q", t)
	}
	return p, nil
}

// KnownStep reports whether the step type is registered.
func KnownStep(t domain.StepType) bool {
	_, ok := stepRetries[t]
	return ok
}

// PolicyFor returns the outcome policy of a task type.
func PolicyFor(t domain.TaskType) (TaskPolicy, error) {
	p, ok := taskPolicies[t]
	if !ok {
		return TaskPolicy{}, fmt.Errorf("unknown task type %q", t)
	}
	return p, nil
}

// Critical reports whether exhausting the step's retries is fatal to the task.
func (p TaskPolicy) Critical(step domain.StepType) bool {
	return !p.NonCritical[step]
}

// Satisfied applies the policy to a final step-result mapping.
func (p TaskPolicy) Satisfied(steps map[domain.StepType]domain.StepResult) bool {
	for t, r := range steps {
		if p.Critical(t) && r.Status != domain.StepCompleted {
			return false
		}
	}
	if !p.AllowPartial {
		// Without a partial-success policy every step is critical, so the loop
		// above already decided the outcome.
		return true
	}
	for _, alt := range p.Alternatives {
		if r, ok := steps[alt]; ok && r.Status == domain.StepCompleted {
			return true
		}
	}
	return false
}
