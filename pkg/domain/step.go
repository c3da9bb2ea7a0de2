package domain

import (
	"encoding/json"
	"time"
)

// StepType identifies one unit of execution within a task's flow graph.
// Step types are static, declared at build time and never created at runtime.
type StepType string

const (
	StepProbe         StepType = "probe"
	StepThumbnail     StepType = "thumbnail"
	StepSprite        StepType = "sprite"
	StepProxy         StepType = "proxy"
	StepFrames        StepType = "frames"
	StepAudio         StepType = "audio"
	StepPrepare       StepType = "prepare"
	StepCompose       StepType = "compose"
	StepEncode        StepType = "encode"
	StepUpload        StepType = "upload"
	StepDetectObjects StepType = "detect_objects"
	StepDetectLabels  StepType = "detect_labels"
	StepTranscribe    StepType = "transcribe"
	StepStoreResults  StepType = "store_results"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

func (s StepStatus) Terminal() bool { return s == StepCompleted || s == StepFailed }

// StepResult is the outcome of one step job execution. Results are collected
// on the parent job keyed by step type; a retried step overwrites its previous
// entry with the freshest outcome.
type StepResult struct {
	Step        StepType        `json:"step"`
	Status      StepStatus      `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"` // opaque to the engine
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// RetryPolicy is the fixed retry budget of a step type. Delay grows
// exponentially from InitialDelaySeconds, applied by the queue's delayed set.
type RetryPolicy struct {
	MaxAttempts         int `json:"maxAttempts"`
	InitialDelaySeconds int `json:"initialDelaySeconds"`
}

func (s StepType) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s StepType) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }

func (s StepStatus) MarshalBinary() ([]byte, error) { return []byte(string(s)), nil }
func (s StepStatus) MarshalText() ([]byte, error)   { return []byte(string(s)), nil }
