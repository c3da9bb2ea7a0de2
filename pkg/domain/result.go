package domain

import "time"

// TaskResult is the aggregated outcome of a task's flow: the full step-result
// mapping plus derived counters. It is never stored independently of its task
// and is recomputed from the mapping every time a step or parent event fires.
type TaskResult struct {
	Steps          map[StepType]StepResult `json:"steps"`
	Completed      []StepType              `json:"completed,omitempty"`
	Failed         []StepType              `json:"failed,omitempty"`
	TotalSteps     int                     `json:"totalSteps"`
	CompletedCount int                     `json:"completedCount"`
	FailedCount    int                     `json:"failedCount"`
	CurrentStep    StepType                `json:"currentStep,omitempty"`
	StartedAt      time.Time               `json:"startedAt,omitempty"`
	CompletedAt    time.Time               `json:"completedAt,omitempty"`
}
