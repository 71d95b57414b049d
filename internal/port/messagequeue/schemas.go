package messagequeue

// TaskCreatedPayload is published on SubjectTaskCreated.
type TaskCreatedPayload struct {
	TaskID   string `json:"task_id"`
	TaskType string `json:"task_type"`
	ParentID string `json:"parent_id,omitempty"`
}

// ExecutionCompletedPayload is published on SubjectExecutionCompleted.
type ExecutionCompletedPayload struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	Attempt     int    `json:"attempt"`
	Status      string `json:"status"`
	Confidence  int    `json:"confidence"`
	DurationMS  int64  `json:"duration_ms"`
}

// TaskCorrectedPayload is published on SubjectTaskCorrected.
type TaskCorrectedPayload struct {
	TaskID          string `json:"task_id"`
	Strategy        string `json:"strategy"`
	Corrected       bool   `json:"corrected"`
	FinalConfidence int    `json:"final_confidence"`
}
