package domain

// QueueStats is an administrative snapshot of the step queue.
type QueueStats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	InProgress int64 `json:"inProgress"`
	DLQ        int64 `json:"dlq"`
	Parents    int64 `json:"parents"`
}
