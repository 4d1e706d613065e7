package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/biz/repo"
	"github.com/projectboxes/slack-gateway/internal/biz/usecase"
	"github.com/projectboxes/slack-gateway/internal/event"
	"github.com/projectboxes/slack-gateway/internal/ratelimit"
)

const (
	// maxHistoryPages bounds cursor pagination per channel per scan so
	// a runaway cursor can never loop forever.
	maxHistoryPages = 10
	historyPageSize = 100

	analysisTypeTasks = "task_extraction"
)

// DiscoveryScheduler periodically scans monitored channels for new
// messages and hands batches to the job orchestrator. At most one scan
// runs at a time; manual triggers share the same single-flight guard
// as the timer.
type DiscoveryScheduler struct {
	conn     *ConnectionManager
	chat     repo.ChatAPI
	settings repo.SettingsRepo
	audit    repo.AuditRepo
	orch     *JobOrchestrator
	limiter  *ratelimit.Limiter
	breakers *ratelimit.Breakers
	bus      *event.Bus
	logger   *zap.Logger

	scanning atomic.Bool

	mu     sync.Mutex
	cfg    domain.SchedulerConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscoveryScheduler creates a stopped scheduler.
func NewDiscoveryScheduler(
	conn *ConnectionManager,
	chat repo.ChatAPI,
	settings repo.SettingsRepo,
	audit repo.AuditRepo,
	orch *JobOrchestrator,
	limiter *ratelimit.Limiter,
	breakers *ratelimit.Breakers,
	bus *event.Bus,
	logger *zap.Logger,
) *DiscoveryScheduler {
	return &DiscoveryScheduler{
		conn:     conn,
		chat:     chat,
		settings: settings,
		audit:    audit,
		orch:     orch,
		limiter:  limiter,
		breakers: breakers,
		bus:      bus,
		logger:   logger.Named("scheduler"),
	}
}

// Start loads the persisted config and launches the scan loop when
// scheduling is enabled.
func (s *DiscoveryScheduler) Start(ctx context.Context) error {
	cfg, err := s.settings.GetSchedulerConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduler config: %w", err)
	}
	if cfg == nil {
		cfg = &domain.SchedulerConfig{
			Enabled:      true,
			Interval:     domain.DefaultScanInterval,
			StartupDelay: domain.DefaultStartupDelay,
		}
	}

	s.mu.Lock()
	s.cfg = cfg.Normalize()
	if s.cfg.Enabled {
		s.startLoopLocked(ctx)
	}
	s.mu.Unlock()
	return nil
}

// Stop halts the scan loop and waits for it. A scan already in flight
// finishes; only future ticks are stopped.
func (s *DiscoveryScheduler) Stop() {
	s.mu.Lock()
	s.stopLoopLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// Config returns the active scheduler configuration.
func (s *DiscoveryScheduler) Config() domain.SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig persists the new config and restarts the loop with it.
// The running loop is always stopped first; it restarts only when the
// new config is enabled.
func (s *DiscoveryScheduler) UpdateConfig(ctx context.Context, cfg domain.SchedulerConfig) error {
	cfg = cfg.Normalize()
	if err := s.settings.SaveSchedulerConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist scheduler config: %w", err)
	}

	s.mu.Lock()
	s.stopLoopLocked()
	s.cfg = cfg
	if cfg.Enabled {
		s.startLoopLocked(ctx)
	}
	s.mu.Unlock()

	s.logger.Info("scheduler config updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Duration("interval", cfg.Interval))
	return nil
}

// RunManualScan runs one scan now, bypassing the timer but not the
// single-flight guard.
func (s *DiscoveryScheduler) RunManualScan(ctx context.Context) (*domain.ScanResult, error) {
	return s.runScan(ctx, domain.ScanTriggerManual)
}

// startLoopLocked launches the loop goroutine. Caller holds s.mu.
func (s *DiscoveryScheduler) startLoopLocked(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	cfg := s.cfg

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// The startup delay keeps app launch from immediately hammering
		// the remote service.
		if cfg.StartupDelay > 0 {
			t := time.NewTimer(cfg.StartupDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		s.scanOnce(ctx)

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scanOnce(ctx)
			}
		}
	}()
}

func (s *DiscoveryScheduler) stopLoopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// scanOnce runs a scheduled scan, tolerating overlap with a manual one.
func (s *DiscoveryScheduler) scanOnce(ctx context.Context) {
	_, err := s.runScan(ctx, domain.ScanTriggerScheduled)
	if err != nil && !errors.Is(err, domain.ErrScanInProgress) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("scheduled scan failed", zap.Error(err))
	}
}

// runScan is the single scan execution path for both triggers.
func (s *DiscoveryScheduler) runScan(ctx context.Context, trigger domain.ScanTrigger) (*domain.ScanResult, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, domain.ErrScanInProgress
	}
	defer s.scanning.Store(false)

	token, workspace, err := s.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}

	channels, err := s.settings.ListMonitoredChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored channels: %w", err)
	}

	started := time.Now()
	result := &domain.ScanResult{
		ScanID:  uuid.NewString(),
		Trigger: trigger,
	}

	s.logger.Info("scan started",
		zap.String("scan_id", result.ScanID),
		zap.String("trigger", string(trigger)),
		zap.Int("channels", len(channels)))

	for _, ch := range channels {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "scan interrupted")
			break
		}
		if s.breakers.Open(ch.ChannelID) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: skipped, circuit open", ch.ChannelID))
			continue
		}

		messages, err := s.scanChannel(ctx, token, workspace, ch)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", ch.ChannelID, ErrorDetail(err)))
			s.logger.Warn("channel scan failed",
				zap.String("channel_id", ch.ChannelID),
				zap.String("category", Categorize(err)),
				zap.Error(err))
			continue
		}

		result.ChannelsScanned++
		result.MessagesFetched += len(messages)
		if len(messages) == 0 {
			continue
		}

		// Pattern extraction gives the scan summary an immediate count
		// while model-backed analysis runs in the background.
		result.NewSuggestionCount += len(usecase.ExtractActionItems(messages))

		if _, err := s.orch.Submit(ctx, ch.ProjectID, ch.ChannelID, analysisTypeTasks, messages); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: submit: %s", ch.ChannelID, ErrorDetail(err)))
			continue
		}
		result.JobsSubmitted++

		if newest := newestTS(messages); !newest.IsZero() {
			if err := s.settings.UpdateLastScanned(ctx, ch.ChannelID, newest); err != nil {
				s.logger.Warn("failed to advance scan cursor",
					zap.String("channel_id", ch.ChannelID),
					zap.Error(err))
			}
		}
	}

	result.Duration = time.Since(started)

	audit := domain.ScanAudit{
		ScanID:          result.ScanID,
		Trigger:         trigger,
		StartedAt:       started,
		Duration:        result.Duration,
		ChannelsScanned: result.ChannelsScanned,
		MessagesFetched: result.MessagesFetched,
		Error:           strings.Join(result.Errors, "; "),
	}
	if err := s.audit.RecordScan(ctx, audit); err != nil {
		s.logger.Warn("failed to record scan audit", zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(event.ScanResult{
			ScanID:             result.ScanID,
			Trigger:            trigger,
			NewSuggestionCount: result.NewSuggestionCount,
		})
	}

	s.logger.Info("scan finished",
		zap.String("scan_id", result.ScanID),
		zap.Int("channels_scanned", result.ChannelsScanned),
		zap.Int("messages_fetched", result.MessagesFetched),
		zap.Int("jobs_submitted", result.JobsSubmitted),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// scanChannel pages through a channel's history since its cursor.
// Access failures are never remediated here; they surface in the scan
// summary and the user decides whether to join the channel.
func (s *DiscoveryScheduler) scanChannel(ctx context.Context, token, workspace string, ch domain.MonitoredChannel) ([]domain.Message, error) {
	return s.fetchAll(ctx, token, workspace, ch)
}

// JoinChannel joins a public channel on the user's behalf, typically
// after a scan reported an access error for it.
func (s *DiscoveryScheduler) JoinChannel(ctx context.Context, channelID string) error {
	token, workspace, err := s.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}
	return s.breakers.Do(channelID, func() error {
		return s.limiter.Execute(ctx, workspace, "conversations.join", func(ctx context.Context) error {
			return s.chat.JoinChannel(ctx, token, channelID)
		})
	})
}

// ListChannels returns one page of the workspace conversation list for
// the channel picker.
func (s *DiscoveryScheduler) ListChannels(ctx context.Context, cursor string) (*domain.ChannelPage, error) {
	token, workspace, err := s.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	var page *domain.ChannelPage
	err = s.limiter.Execute(ctx, workspace, "conversations.list", func(ctx context.Context) error {
		var err error
		page, err = s.chat.ListChannels(ctx, token, cursor)
		return err
	})
	return page, err
}

// ListUsers returns one page of the workspace member directory, used
// to resolve suggestion assignees to workspace members.
func (s *DiscoveryScheduler) ListUsers(ctx context.Context, cursor string) (*domain.UserPage, error) {
	token, workspace, err := s.conn.EnsureConnected(ctx)
	if err != nil {
		return nil, err
	}
	var page *domain.UserPage
	err = s.limiter.Execute(ctx, workspace, "users.list", func(ctx context.Context) error {
		var err error
		page, err = s.chat.ListUsers(ctx, token, cursor)
		return err
	})
	return page, err
}

// MonitorChannel validates the channel against the remote service and
// adds it to the scan set. Archived channels are rejected.
func (s *DiscoveryScheduler) MonitorChannel(ctx context.Context, channelID, projectID string) error {
	token, workspace, err := s.conn.EnsureConnected(ctx)
	if err != nil {
		return err
	}

	var info *domain.Channel
	err = s.limiter.Execute(ctx, workspace, "conversations.info", func(ctx context.Context) error {
		var err error
		info, err = s.chat.ChannelInfo(ctx, token, channelID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to look up channel %s: %w", channelID, err)
	}
	if info.IsArchived {
		return &domain.ChannelAccessError{ChannelID: channelID}
	}

	if err := s.settings.UpsertMonitoredChannel(ctx, domain.MonitoredChannel{
		ChannelID: channelID,
		ProjectID: projectID,
	}); err != nil {
		return fmt.Errorf("failed to store monitored channel: %w", err)
	}
	s.logger.Info("channel monitored",
		zap.String("channel_id", channelID),
		zap.String("channel_name", info.Name),
		zap.String("project_id", projectID))
	return nil
}

// UnmonitorChannel removes the channel from the scan set.
func (s *DiscoveryScheduler) UnmonitorChannel(ctx context.Context, channelID string) error {
	return s.settings.RemoveMonitoredChannel(ctx, channelID)
}

func (s *DiscoveryScheduler) fetchAll(ctx context.Context, token, workspace string, ch domain.MonitoredChannel) ([]domain.Message, error) {
	var (
		messages []domain.Message
		cursor   string
	)
	for page := 0; page < maxHistoryPages; page++ {
		var hp *domain.HistoryPage
		err := s.breakers.Do(ch.ChannelID, func() error {
			return s.limiter.Execute(ctx, workspace, "conversations.history", func(ctx context.Context) error {
				var err error
				hp, err = s.chat.FetchHistory(ctx, token, ch.ChannelID, ch.LastScanned, cursor, historyPageSize)
				return err
			})
		})
		if err != nil {
			return nil, err
		}

		messages = append(messages, hp.Messages...)
		if !hp.HasMore || hp.NextCursor == "" || hp.NextCursor == cursor {
			break
		}
		cursor = hp.NextCursor
	}
	return messages, nil
}

// newestTS finds the latest message timestamp in the batch. Timestamps
// are "seconds.sequence" strings.
func newestTS(messages []domain.Message) time.Time {
	var newest time.Time
	for _, m := range messages {
		t := tsTime(m.TS)
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}

func tsTime(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
