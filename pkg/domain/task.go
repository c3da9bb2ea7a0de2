package domain

import (
	"encoding"
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskIngest       TaskType = "INGEST"
	TaskRender       TaskType = "RENDER"
	TaskDetectLabels TaskType = "DETECT_LABELS"
)

func AllTaskTypes() []TaskType {
	return []TaskType{TaskIngest, TaskRender, TaskDetectLabels}
}

type TaskStatus string

const (
	TaskQueued   TaskStatus = "QUEUED"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskCanceled TaskStatus = "CANCELED"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCanceled
}

// Task is the externally visible unit of background work. The task record is
// the single source of truth for task state; the orchestration engine reads it
// to build a flow graph and writes status/progress/result/errorLog back as the
// graph executes.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	WorkspaceID string          `json:"workspaceId"`
	Payload     json.RawMessage `json:"payload"` // opaque JSON, validated by the flow builder
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"` // 0..100
	Attempts    int             `json:"attempts,omitempty"`
	ErrorLog    string          `json:"errorLog,omitempty"` // JSON array of ErrorEntry
	Result      *TaskResult     `json:"result,omitempty"`
	ParentJobID string          `json:"parentJobId,omitempty"`
	Webhook     string          `json:"webhook,omitempty"`
	// TraceParent/TraceState store W3C trace context so the task lifecycle can
	// be correlated across the API request, the workers and the supervisor.
	TraceParent string    `json:"traceParent,omitempty"`
	TraceState  string    `json:"traceState,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ErrorEntry is one structured entry in a task's error log. The log holds at
// most one entry per step type (the freshest outcome of that step).
type ErrorEntry struct {
	Step    StepType  `json:"step"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

var (
	_ encoding.BinaryMarshaler = TaskType("")
	_ encoding.TextMarshaler   = TaskType("")
	_ encoding.BinaryMarshaler = TaskStatus("")
	_ encoding.TextMarshaler   = TaskStatus("")
)

func (t TaskType) MarshalBinary() ([]byte, error) { return []byte(string(t)), nil }
func (t TaskType) MarshalText() ([]byte, error)   { return []byte(string(t)), nil }

func (s TaskStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s TaskStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
