package domain

import "time"

// JobStage is the processing stage an analysis job is in.
type JobStage string

// Analysis stages, in order.
const (
	StagePreparation JobStage = "preparation"
	StageProcessing  JobStage = "processing"
	StageExtraction  JobStage = "extraction"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

// Job lifecycle states. Completed, failed and cancelled are terminal.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// AnalysisJob is one unit of asynchronous analysis work. Only the
// orchestrator's background worker mutates a job after submission.
type AnalysisJob struct {
	ID           string
	ProjectID    string
	ChannelID    string
	AnalysisType string
	MessageCount int
	Stage        JobStage
	Status       JobStatus
	StartedAt    time.Time
	SubmittedAt  time.Time
}

// TaskSuggestion is the uniform shape analysis results are normalized
// into, whatever the analyzer returned.
type TaskSuggestion struct {
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	SourceMessageTS   string  `json:"source_message_ts"`
	SourceChannel     string  `json:"source_channel"`
	SuggestedAssignee string  `json:"suggested_assignee,omitempty"`
	Confidence        float64 `json:"confidence_score"`
	Priority          string  `json:"priority,omitempty"`
}

// ScanAudit is an append-only record of one scan execution.
type ScanAudit struct {
	ScanID          string
	Trigger         ScanTrigger
	StartedAt       time.Time
	Duration        time.Duration
	ChannelsScanned int
	MessagesFetched int
	Error           string
}

// JobAudit is an append-only record of one job lifecycle transition.
type JobAudit struct {
	JobID        string
	ProjectID    string
	Status       JobStatus
	MessageCount int
	Detail       string
	At           time.Time
}
