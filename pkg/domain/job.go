package domain

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	JobParent JobKind = "PARENT"
	JobStep   JobKind = "STEP"
)

type JobStatus string

const (
	// JobWaiting: one or more dependencies have not reached a terminal state.
	JobWaiting JobStatus = "WAITING"
	// JobPending: all dependencies resolved, sitting in the ready list.
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is the queue-level representation of a graph node. The parent job is a
// pure aggregation point (no business logic); step jobs carry the input and
// retry budget declared by the flow builder.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	ParentID    string          `json:"parentId,omitempty"` // empty for the parent itself
	TaskID      string          `json:"taskId"`
	TaskType    TaskType        `json:"taskType"`
	StepType    StepType        `json:"stepType,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	DependsOn   []StepType      `json:"dependsOn,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	// InitialDelaySeconds seeds the exponential retry backoff for this step.
	InitialDelaySeconds int       `json:"initialDelaySeconds,omitempty"`
	WorkerID            string    `json:"workerId,omitempty"`
	LeaseUntil          string    `json:"leaseUntil,omitempty"` // RFC3339
	Error               string    `json:"error,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// EventKind enumerates queue lifecycle events consumed by the flow supervisor.
type EventKind string

const (
	EventStepActive      EventKind = "step_active"
	EventStepCompleted   EventKind = "step_completed"
	EventStepRetried     EventKind = "step_retried"
	EventStepFailed      EventKind = "step_failed" // attempts exhausted
	EventParentCompleted EventKind = "parent_completed"
	EventParentFailed    EventKind = "parent_failed"
	EventTaskCanceled    EventKind = "task_canceled"
)

// Event is one queue lifecycle notification. Events are appended to a Redis
// list and drained by a single supervisor consumer, so every terminal step
// state triggers exactly one aggregation update.
type Event struct {
	Kind     EventKind `json:"kind"`
	ParentID string    `json:"parentId"`
	TaskID   string    `json:"taskId"`
	TaskType TaskType  `json:"taskType"`
	StepType StepType  `json:"stepType,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

func (k JobKind) MarshalBinary() ([]byte, error)   { return []byte(string(k)), nil }
func (k JobKind) MarshalText() ([]byte, error)     { return []byte(string(k)), nil }
func (s JobStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s JobStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
