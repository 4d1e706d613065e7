package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"

	_ "modernc.org/sqlite"
)

const (
	settingsKeyConnection = "connection_state"
	settingsKeyScheduler  = "scheduler_config"

	writeQueueDepth = 256
)

// Store is the local sqlite database behind the settings and audit
// repositories. All writes funnel through a single queue goroutine so
// concurrent components never contend on the writer lock; reads go
// straight to the pool.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	writes chan writeReq
	closed chan struct{}
}

type writeReq struct {
	query string
	args  []any
	done  chan error
}

// NewStore opens (creating if needed) the database at dbPath and
// starts the write queue.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger.Named("store"),
		writes: make(chan writeReq, writeQueueDepth),
		closed: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_channels (
			channel_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			last_scanned INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scan_history (
			scan_id TEXT PRIMARY KEY,
			trigger_kind TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			channels_scanned INTEGER NOT NULL,
			messages_fetched INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_started ON scan_history(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_history_job ON job_history(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// writeLoop applies queued writes one at a time, retrying transient
// lock errors.
func (s *Store) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case req := <-s.writes:
			req.done <- s.execWithRetry(req.query, req.args)
		}
	}
}

func (s *Store) execWithRetry(query string, args []any) error {
	r := retry.New(
		retry.Attempts(5),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Duration(n+1) * 50 * time.Millisecond
		}),
	)
	return r.Do(func() error {
		_, err := s.db.Exec(query, args...)
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return retry.Unrecoverable(err)
	})
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// write enqueues one statement and waits for it to be applied.
func (s *Store) write(ctx context.Context, query string, args ...any) error {
	select {
	case <-s.closed:
		return fmt.Errorf("store is closed")
	default:
	}

	req := writeReq{query: query, args: args, done: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("store is closed")
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("store is closed")
	}
}

// Close drains nothing; in-flight writes finish, queued ones after the
// close are rejected.
func (s *Store) Close() error {
	close(s.closed)
	return s.db.Close()
}

// GetConnectionSnapshot returns the persisted snapshot, or nil when
// none was saved yet.
func (s *Store) GetConnectionSnapshot(ctx context.Context) (*domain.ConnectionState, error) {
	raw, err := s.getSetting(ctx, settingsKeyConnection)
	if err != nil || raw == "" {
		return nil, err
	}
	var state domain.ConnectionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode connection snapshot: %w", err)
	}
	return &state, nil
}

// SaveConnectionSnapshot persists the snapshot.
func (s *Store) SaveConnectionSnapshot(ctx context.Context, state domain.ConnectionState) error {
	return s.putSetting(ctx, settingsKeyConnection, state)
}

// GetSchedulerConfig returns the persisted scheduler config, or nil.
func (s *Store) GetSchedulerConfig(ctx context.Context) (*domain.SchedulerConfig, error) {
	raw, err := s.getSetting(ctx, settingsKeyScheduler)
	if err != nil || raw == "" {
		return nil, err
	}
	var cfg domain.SchedulerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode scheduler config: %w", err)
	}
	return &cfg, nil
}

// SaveSchedulerConfig persists the scheduler config.
func (s *Store) SaveSchedulerConfig(ctx context.Context, cfg domain.SchedulerConfig) error {
	return s.putSetting(ctx, settingsKeyScheduler, cfg)
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) putSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	return s.write(ctx, `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, string(raw), time.Now().Unix())
}

// ListMonitoredChannels returns every channel the scheduler scans.
func (s *Store) ListMonitoredChannels(ctx context.Context) ([]domain.MonitoredChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, project_id, last_scanned
		FROM monitored_channels
		ORDER BY channel_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitored channels: %w", err)
	}
	defer rows.Close()

	var channels []domain.MonitoredChannel
	for rows.Next() {
		var ch domain.MonitoredChannel
		var lastScanned int64
		if err := rows.Scan(&ch.ChannelID, &ch.ProjectID, &lastScanned); err != nil {
			return nil, fmt.Errorf("failed to scan monitored channel: %w", err)
		}
		if lastScanned > 0 {
			ch.LastScanned = time.Unix(lastScanned, 0)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// UpsertMonitoredChannel adds or updates a monitored channel.
func (s *Store) UpsertMonitoredChannel(ctx context.Context, ch domain.MonitoredChannel) error {
	var lastScanned int64
	if !ch.LastScanned.IsZero() {
		lastScanned = ch.LastScanned.Unix()
	}
	return s.write(ctx, `
		INSERT INTO monitored_channels (channel_id, project_id, last_scanned)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET project_id = excluded.project_id
	`, ch.ChannelID, ch.ProjectID, lastScanned)
}

// RemoveMonitoredChannel stops scanning a channel.
func (s *Store) RemoveMonitoredChannel(ctx context.Context, channelID string) error {
	return s.write(ctx, `DELETE FROM monitored_channels WHERE channel_id = ?`, channelID)
}

// UpdateLastScanned moves a channel's scan cursor forward.
func (s *Store) UpdateLastScanned(ctx context.Context, channelID string, ts time.Time) error {
	return s.write(ctx, `
		UPDATE monitored_channels SET last_scanned = ? WHERE channel_id = ?
	`, ts.Unix(), channelID)
}

// RecordScan appends one scan execution record.
func (s *Store) RecordScan(ctx context.Context, a domain.ScanAudit) error {
	return s.write(ctx, `
		INSERT OR REPLACE INTO scan_history
			(scan_id, trigger_kind, started_at, duration_ms, channels_scanned, messages_fetched, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ScanID, string(a.Trigger), a.StartedAt.Unix(), a.Duration.Milliseconds(),
		a.ChannelsScanned, a.MessagesFetched, a.Error)
}

// RecordJob appends one job lifecycle record.
func (s *Store) RecordJob(ctx context.Context, a domain.JobAudit) error {
	return s.write(ctx, `
		INSERT INTO job_history (job_id, project_id, status, message_count, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.JobID, a.ProjectID, string(a.Status), a.MessageCount, a.Detail, a.At.Unix())
}

// RecentScans returns the newest scan records, most recent first.
func (s *Store) RecentScans(ctx context.Context, limit int) ([]domain.ScanAudit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT scan_id, trigger_kind, started_at, duration_ms, channels_scanned, messages_fetched, error
		FROM scan_history
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan history: %w", err)
	}
	defer rows.Close()

	var audits []domain.ScanAudit
	for rows.Next() {
		var a domain.ScanAudit
		var trigger string
		var startedAt, durationMS int64
		if err := rows.Scan(&a.ScanID, &trigger, &startedAt, &durationMS,
			&a.ChannelsScanned, &a.MessagesFetched, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		a.Trigger = domain.ScanTrigger(trigger)
		a.StartedAt = time.Unix(startedAt, 0)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
