package repo

import (
	"context"
	"time"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
)

// SettingsRepo is the key-value settings side of the local persistent
// store: connection-state snapshots and scan bookkeeping. The
// implementation serializes writes; reads are direct.
type SettingsRepo interface {
	// GetConnectionSnapshot returns the persisted UI snapshot, or nil
	// when none was saved yet.
	GetConnectionSnapshot(ctx context.Context) (*domain.ConnectionState, error)

	// SaveConnectionSnapshot persists the snapshot. The snapshot never
	// contains secrets.
	SaveConnectionSnapshot(ctx context.Context, state domain.ConnectionState) error

	// GetSchedulerConfig returns the persisted scheduler config, or nil.
	GetSchedulerConfig(ctx context.Context) (*domain.SchedulerConfig, error)

	// SaveSchedulerConfig persists the scheduler config.
	SaveSchedulerConfig(ctx context.Context, cfg domain.SchedulerConfig) error

	// ListMonitoredChannels returns every channel the scheduler scans.
	ListMonitoredChannels(ctx context.Context) ([]domain.MonitoredChannel, error)

	// UpsertMonitoredChannel adds or updates a monitored channel.
	UpsertMonitoredChannel(ctx context.Context, ch domain.MonitoredChannel) error

	// RemoveMonitoredChannel stops scanning a channel.
	RemoveMonitoredChannel(ctx context.Context, channelID string) error

	// UpdateLastScanned moves a channel's scan cursor forward.
	UpdateLastScanned(ctx context.Context, channelID string, ts time.Time) error
}

// AuditRepo is the append-style history side of the local store.
type AuditRepo interface {
	// RecordScan appends one scan execution record.
	RecordScan(ctx context.Context, a domain.ScanAudit) error

	// RecordJob appends one job lifecycle record.
	RecordJob(ctx context.Context, a domain.JobAudit) error

	// RecentScans returns the newest scan records, most recent first.
	RecentScans(ctx context.Context, limit int) ([]domain.ScanAudit, error)
}
