package event

import (
	"time"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// Topics the gateway publishes on.
const (
	TopicJobQueued        = "job.queued"
	TopicJobStarted       = "job.started"
	TopicJobProgress      = "job.progress"
	TopicJobCompleted     = "job.completed"
	TopicJobFailed        = "job.failed"
	TopicJobCancelled     = "job.cancelled"
	TopicScanResult       = "scan.result"
	TopicRateLimitWaiting = "rateLimit.waiting"
	TopicNotification     = "notification"
)

// JobQueued is emitted when a job is accepted for processing.
type JobQueued struct {
	JobID        string
	ProjectID    string
	MessageCount int
}

func (JobQueued) Topic() string { return TopicJobQueued }

// JobStarted is emitted when the background worker picks a job up.
type JobStarted struct {
	JobID string
}

func (JobStarted) Topic() string { return TopicJobStarted }

// JobProgress is emitted at stage boundaries.
type JobProgress struct {
	JobID     string
	Processed int
	Total     int
	Stage     domain.JobStage
}

func (JobProgress) Topic() string { return TopicJobProgress }

// JobCompleted carries the normalized result and the processing
// duration.
type JobCompleted struct {
	JobID    string
	Result   []domain.TaskSuggestion
	Duration time.Duration
}

func (JobCompleted) Topic() string { return TopicJobCompleted }

// JobFailed carries the failure, the stage it happened in, and whether
// an explicit Retry may succeed. RetryAfter is the suggested wait for
// rate-limited failures.
type JobFailed struct {
	JobID      string
	Err        string
	Stage      domain.JobStage
	CanRetry   bool
	RetryAfter time.Duration
}

func (JobFailed) Topic() string { return TopicJobFailed }

// JobCancelled is emitted when a tracked job is cancelled.
type JobCancelled struct {
	JobID  string
	Reason string
}

func (JobCancelled) Topic() string { return TopicJobCancelled }

// ScanResult is emitted after each scan.
type ScanResult struct {
	ScanID             string
	Trigger            domain.ScanTrigger
	NewSuggestionCount int
}

func (ScanResult) Topic() string { return TopicScanResult }

// RateLimitWaiting is emitted before the limiter waits out a budget or
// retry-after delay.
type RateLimitWaiting struct {
	Endpoint string
	Wait     time.Duration
}

func (RateLimitWaiting) Topic() string { return TopicRateLimitWaiting }

// Notification is a user-facing message with a severity.
type Notification struct {
	Severity string
	Title    string
	Message  string
}

func (Notification) Topic() string { return TopicNotification }
