package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/biz/repo"
	"github.com/projectboxes/slack-gateway/internal/event"
)

const (
	defaultQueueDepth = 32

	// payloadTTL bounds how long any job's payload stays resident.
	// The janitor reclaims jobs past the TTL in every status, so a
	// handler that never reports back cannot pin memory forever.
	payloadTTL     = time.Hour
	janitorPeriod  = 10 * time.Minute
	maxBatchSize   = 200
	cancelledNote  = "cancelled by user"
	queueFullError = "analysis queue is full, try again shortly"
)

// jobPayload is the unit handed from Submit to the worker. The
// messages ride along in the handoff so the worker never re-reads
// shared state.
type jobPayload struct {
	jobID    string
	messages []domain.Message
}

// trackedJob is the orchestrator's bookkeeping for one job.
type trackedJob struct {
	job      domain.AnalysisJob
	messages []domain.Message
	cancel   context.CancelFunc
	doneAt   time.Time
}

// JobOrchestrator runs analysis jobs asynchronously. Submissions hand
// the payload to a single background worker over a bounded channel;
// progress and terminal outcomes are published on the event bus.
type JobOrchestrator struct {
	analyzer repo.Analyzer
	audit    repo.AuditRepo
	bus      *event.Bus
	logger   *zap.Logger

	queue chan jobPayload

	mu   sync.Mutex
	jobs map[string]*trackedJob

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now func() time.Time
}

// NewJobOrchestrator creates an orchestrator. Start must be called
// before submissions are processed.
func NewJobOrchestrator(analyzer repo.Analyzer, audit repo.AuditRepo, bus *event.Bus, logger *zap.Logger) *JobOrchestrator {
	return &JobOrchestrator{
		analyzer: analyzer,
		audit:    audit,
		bus:      bus,
		logger:   logger.Named("orchestrator"),
		queue:    make(chan jobPayload, defaultQueueDepth),
		jobs:     make(map[string]*trackedJob),
		now:      time.Now,
	}
}

// Start launches the worker and the payload janitor.
func (o *JobOrchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(2)
	go o.workLoop(ctx)
	go o.janitorLoop(ctx)
}

// Stop cancels the worker and waits for it to drain.
func (o *JobOrchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Submit queues one analysis job and returns its id. The call never
// blocks: when the queue is full the job is rejected immediately.
func (o *JobOrchestrator) Submit(ctx context.Context, projectID, channelID, analysisType string, messages []domain.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to analyze")
	}
	if len(messages) > maxBatchSize {
		messages = messages[:maxBatchSize]
	}

	job := domain.AnalysisJob{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ChannelID:    channelID,
		AnalysisType: analysisType,
		MessageCount: len(messages),
		Status:       domain.JobQueued,
		SubmittedAt:  o.now(),
	}

	o.mu.Lock()
	o.jobs[job.ID] = &trackedJob{job: job, messages: messages}
	o.mu.Unlock()

	select {
	case o.queue <- jobPayload{jobID: job.ID, messages: messages}:
	default:
		o.mu.Lock()
		delete(o.jobs, job.ID)
		o.mu.Unlock()
		return "", errors.New(queueFullError)
	}

	o.publish(event.JobQueued{JobID: job.ID, ProjectID: projectID, MessageCount: len(messages)})
	o.recordJob(ctx, job, "")
	return job.ID, nil
}

// Job returns a copy of the tracked job, or ErrJobNotFound.
func (o *JobOrchestrator) Job(jobID string) (domain.AnalysisJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.jobs[jobID]
	if !ok {
		return domain.AnalysisJob{}, domain.ErrJobNotFound
	}
	return t.job, nil
}

// Cancel stops a queued or running job. A running job's work is
// interrupted through its context; any result it still produces is
// discarded. The reason is carried on the cancellation event; an empty
// reason defaults to a user cancellation.
func (o *JobOrchestrator) Cancel(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = cancelledNote
	}

	o.mu.Lock()
	t, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return domain.ErrJobNotFound
	}
	switch t.job.Status {
	case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		o.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, t.job.Status)
	}
	t.job.Status = domain.JobCancelled
	t.doneAt = o.now()
	if t.cancel != nil {
		t.cancel()
	}
	job := t.job
	o.mu.Unlock()

	o.publish(event.JobCancelled{JobID: jobID, Reason: reason})
	o.recordJob(ctx, job, reason)
	return nil
}

// Retry resubmits the payload of a failed or cancelled job as a new
// job and returns the new id. The original job stays terminal; its
// event history is never reopened.
func (o *JobOrchestrator) Retry(ctx context.Context, jobID string) (string, error) {
	o.mu.Lock()
	t, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return "", domain.ErrJobNotFound
	}
	if t.job.Status != domain.JobFailed && t.job.Status != domain.JobCancelled {
		o.mu.Unlock()
		return "", fmt.Errorf("job %s is %s, only failed or cancelled jobs can be retried", jobID, t.job.Status)
	}

	job := domain.AnalysisJob{
		ID:           uuid.NewString(),
		ProjectID:    t.job.ProjectID,
		ChannelID:    t.job.ChannelID,
		AnalysisType: t.job.AnalysisType,
		MessageCount: t.job.MessageCount,
		Status:       domain.JobQueued,
		SubmittedAt:  o.now(),
	}
	messages := t.messages
	o.jobs[job.ID] = &trackedJob{job: job, messages: messages}
	o.mu.Unlock()

	select {
	case o.queue <- jobPayload{jobID: job.ID, messages: messages}:
	default:
		o.mu.Lock()
		delete(o.jobs, job.ID)
		o.mu.Unlock()
		return "", errors.New(queueFullError)
	}

	o.publish(event.JobQueued{JobID: job.ID, ProjectID: job.ProjectID, MessageCount: len(messages)})
	o.recordJob(ctx, job, "retry of "+jobID)
	return job.ID, nil
}

func (o *JobOrchestrator) workLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-o.queue:
			o.runJob(ctx, payload)
		}
	}
}

// runJob drives one job through its stages. A cancellation observed at
// any point silently discards whatever the job produced.
func (o *JobOrchestrator) runJob(parent context.Context, payload jobPayload) {
	o.mu.Lock()
	t, ok := o.jobs[payload.jobID]
	if !ok || t.job.Status != domain.JobQueued {
		// Cancelled or reclaimed while waiting in the queue.
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	t.cancel = cancel
	t.job.Status = domain.JobRunning
	t.job.Stage = domain.StagePreparation
	t.job.StartedAt = o.now()
	job := t.job
	o.mu.Unlock()

	started := o.now()
	total := len(payload.messages)

	o.publish(event.JobStarted{JobID: job.ID})
	o.publish(event.JobProgress{JobID: job.ID, Processed: 0, Total: total, Stage: domain.StagePreparation})

	batch := prepareBatch(payload.messages, job.ChannelID)

	o.setStage(job.ID, domain.StageProcessing)
	o.publish(event.JobProgress{JobID: job.ID, Processed: 0, Total: total, Stage: domain.StageProcessing})

	suggestions, err := o.analyzer.AnalyzeMessages(ctx, batch)
	if ctx.Err() != nil {
		// Cancelled mid-flight; Cancel already published the event.
		return
	}
	if err != nil {
		o.finishFailed(job, domain.StageProcessing, err)
		return
	}

	o.setStage(job.ID, domain.StageExtraction)
	o.publish(event.JobProgress{JobID: job.ID, Processed: total, Total: total, Stage: domain.StageExtraction})

	result := normalizeSuggestions(suggestions, job.ChannelID)

	o.mu.Lock()
	t, ok = o.jobs[job.ID]
	if !ok || t.job.Status == domain.JobCancelled {
		o.mu.Unlock()
		return
	}
	t.job.Status = domain.JobCompleted
	t.job.Stage = domain.StageExtraction
	t.doneAt = o.now()
	job = t.job
	o.mu.Unlock()

	duration := o.now().Sub(started)
	o.publish(event.JobCompleted{JobID: job.ID, Result: result, Duration: duration})
	o.recordJob(context.Background(), job, fmt.Sprintf("%d suggestions", len(result)))
	o.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.Int("suggestions", len(result)),
		zap.Duration("duration", duration))
}

// finishFailed marks the job failed, classifies the error, and keeps
// the payload resident so Retry stays possible until the TTL.
func (o *JobOrchestrator) finishFailed(job domain.AnalysisJob, stage domain.JobStage, err error) {
	o.mu.Lock()
	t, ok := o.jobs[job.ID]
	if !ok || t.job.Status == domain.JobCancelled {
		o.mu.Unlock()
		return
	}
	t.job.Status = domain.JobFailed
	t.job.Stage = stage
	t.doneAt = o.now()
	job = t.job
	o.mu.Unlock()

	canRetry := true
	var retryAfter time.Duration
	switch Categorize(err) {
	case CategoryAuth, CategoryScope, CategoryConfiguration:
		canRetry = false
	case CategoryRateLimit:
		// The limiter already exhausted automatic retries.
		canRetry = false
		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			retryAfter = rl.RetryAfter
		}
	}

	o.publish(event.JobFailed{
		JobID:      job.ID,
		Err:        ErrorDetail(err),
		Stage:      stage,
		CanRetry:   canRetry,
		RetryAfter: retryAfter,
	})
	o.recordJob(context.Background(), job, ErrorDetail(err))
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.String("category", Categorize(err)),
		zap.Error(err))
}

func (o *JobOrchestrator) setStage(jobID string, stage domain.JobStage) {
	o.mu.Lock()
	if t, ok := o.jobs[jobID]; ok {
		t.job.Stage = stage
	}
	o.mu.Unlock()
}

// janitorLoop reclaims jobs whose payload TTL elapsed.
func (o *JobOrchestrator) janitorLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep()
		}
	}
}

// sweep removes every job older than the TTL, terminal or not. A
// queued or running job whose handler never reports back ages out on
// its submission time, so a stuck handler cannot pin memory forever.
func (o *JobOrchestrator) sweep() {
	cutoff := o.now().Add(-payloadTTL)
	o.mu.Lock()
	for id, t := range o.jobs {
		expiresFrom := t.doneAt
		if expiresFrom.IsZero() {
			expiresFrom = t.job.SubmittedAt
		}
		if expiresFrom.Before(cutoff) {
			if t.cancel != nil {
				t.cancel()
			}
			delete(o.jobs, id)
		}
	}
	o.mu.Unlock()
}

// prepareBatch drops non-message noise and stamps the channel id on
// every message so suggestions can cite their source.
func prepareBatch(messages []domain.Message, channelID string) []domain.Message {
	batch := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Type != "" && m.Type != "message" {
			continue
		}
		if m.Channel == "" {
			m.Channel = channelID
		}
		batch = append(batch, m)
	}
	return batch
}

// normalizeSuggestions fills gaps the analyzer left so every
// suggestion has a source channel and a sane confidence.
func normalizeSuggestions(suggestions []domain.TaskSuggestion, channelID string) []domain.TaskSuggestion {
	out := make([]domain.TaskSuggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Name == "" {
			continue
		}
		if s.SourceChannel == "" {
			s.SourceChannel = channelID
		}
		if s.Confidence <= 0 {
			s.Confidence = 0.5
		}
		out = append(out, s)
	}
	return out
}

func (o *JobOrchestrator) publish(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

func (o *JobOrchestrator) recordJob(ctx context.Context, job domain.AnalysisJob, detail string) {
	if o.audit == nil {
		return
	}
	err := o.audit.RecordJob(ctx, domain.JobAudit{
		JobID:        job.ID,
		ProjectID:    job.ProjectID,
		Status:       job.Status,
		MessageCount: job.MessageCount,
		Detail:       detail,
		At:           o.now(),
	})
	if err != nil {
		o.logger.Warn("failed to record job audit", zap.Error(err))
	}
}
