package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/biz/repo"
	"github.com/projectboxes/slack-gateway/internal/event"
)

// connectedManager returns a manager with a stored token so
// EnsureConnected succeeds.
func connectedManager(t *testing.T, chat repo.ChatAPI, settings repo.SettingsRepo) *ConnectionManager {
	t.Helper()
	vault := &memVault{}
	require.NoError(t, vault.Store(context.Background(), repo.Credentials{
		ClientID:     "123.456",
		ClientSecret: "abcdefgh",
		AccessToken:  "xoxb-test",
		TeamID:       "T1",
		TeamName:     "Acme",
	}))
	m := testConnectionManager(vault, chat, settings, nil)
	require.NoError(t, m.LoadState(context.Background()))
	return m
}

func testScheduler(t *testing.T, chat repo.ChatAPI, settings *memSettings, analyzer repo.Analyzer, bus *event.Bus) (*DiscoveryScheduler, *JobOrchestrator, *memAudit) {
	t.Helper()
	audit := &memAudit{}
	conn := connectedManager(t, chat, settings)
	orch := NewJobOrchestrator(analyzer, audit, bus, zap.NewNop())
	s := NewDiscoveryScheduler(
		conn, chat, settings, audit, orch,
		testLimiter(), testBreakers(), bus, zap.NewNop(),
	)
	return s, orch, audit
}

func TestManualScanFetchesAndSubmits(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{
		ChannelID: "C1",
		ProjectID: "P1",
	}))

	chat := &fakeChat{
		historyFn: func(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
			return &domain.HistoryPage{
				Messages: []domain.Message{
					{TS: "1700000100.000100", User: "U1", Text: "TODO: ship the fix", Type: "message"},
					{TS: "1700000200.000200", User: "U2", Text: "sounds good", Type: "message"},
				},
			}, nil
		},
	}

	bus := event.NewBus()
	events, cancel := bus.Subscribe(8, event.TopicScanResult)
	defer cancel()

	s, _, audit := testScheduler(t, chat, settings, &stubAnalyzer{}, bus)

	result, err := s.RunManualScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.ScanTriggerManual, result.Trigger)
	assert.Equal(t, 1, result.ChannelsScanned)
	assert.Equal(t, 2, result.MessagesFetched)
	assert.Equal(t, 1, result.JobsSubmitted)
	assert.Equal(t, 1, result.NewSuggestionCount, "pattern extraction counts the TODO line")
	assert.Empty(t, result.Errors)

	// The scan cursor advanced to the newest message.
	channels, err := settings.ListMonitoredChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, time.Unix(1700000200, 0), channels[0].LastScanned)

	// One scan audit record and one scan.result event.
	scans, err := audit.RecentScans(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, result.ScanID, scans[0].ScanID)

	e := waitEvent(t, events).(event.ScanResult)
	assert.Equal(t, result.ScanID, e.ScanID)
}

func TestScanSingleFlight(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{
		ChannelID: "C1",
		ProjectID: "P1",
	}))

	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	chat := &fakeChat{
		historyFn: func(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
			once.Do(func() { close(entered) })
			<-gate
			return &domain.HistoryPage{}, nil
		},
	}

	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunManualScan(context.Background())
		done <- err
	}()

	<-entered
	_, err := s.RunManualScan(context.Background())
	assert.ErrorIs(t, err, domain.ErrScanInProgress, "a second trigger while scanning is a no-op")

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, chat.HistoryCalls(), "the rejected trigger must not fetch")
}

func TestScanContinuesPastFailingChannel(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{ChannelID: "C_BAD", ProjectID: "P1"}))
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{ChannelID: "C_GOOD", ProjectID: "P1"}))

	chat := &fakeChat{
		historyFn: func(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
			if channelID == "C_BAD" {
				return nil, &domain.DataFormatError{Message: "garbled page"}
			}
			return &domain.HistoryPage{
				Messages: []domain.Message{{TS: "1700000100.000100", User: "U1", Text: "please update the roadmap", Type: "message"}},
			}, nil
		},
	}

	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)

	result, err := s.RunManualScan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.ChannelsScanned, "the healthy channel is still scanned")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "C_BAD")
}

func TestScanSurfacesAccessErrorWithoutJoining(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{
		ChannelID: "C1",
		ProjectID: "P1",
	}))

	chat := &fakeChat{
		historyFn: func(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
			return nil, &domain.ChannelAccessError{ChannelID: channelID}
		},
	}

	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)

	result, err := s.RunManualScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChannelsScanned)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "C1")
	assert.Equal(t, 0, chat.JoinCalls(), "joining a channel is the user's call, never the scan's")
}

func TestJoinChannelIsExplicit(t *testing.T) {
	chat := &fakeChat{}
	s, _, _ := testScheduler(t, chat, newMemSettings(), &stubAnalyzer{}, nil)

	require.NoError(t, s.JoinChannel(context.Background(), "C1"))
	assert.Equal(t, 1, chat.JoinCalls())
}

func TestMonitorChannelValidatesAgainstRemote(t *testing.T) {
	settings := newMemSettings()
	chat := &fakeChat{
		infoFn: func(ctx context.Context, token, channelID string) (*domain.Channel, error) {
			switch channelID {
			case "C_GONE":
				return nil, &domain.ChannelAccessError{ChannelID: channelID}
			case "C_OLD":
				return &domain.Channel{ID: channelID, Name: "graveyard", IsArchived: true}, nil
			}
			return &domain.Channel{ID: channelID, Name: "general"}, nil
		},
	}
	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)
	ctx := context.Background()

	require.NoError(t, s.MonitorChannel(ctx, "C1", "P1"))
	channels, err := settings.ListMonitoredChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "C1", channels[0].ChannelID)

	var access *domain.ChannelAccessError
	err = s.MonitorChannel(ctx, "C_GONE", "P1")
	require.Error(t, err)
	assert.True(t, errors.As(err, &access))

	err = s.MonitorChannel(ctx, "C_OLD", "P1")
	require.Error(t, err)
	assert.True(t, errors.As(err, &access), "archived channels are rejected")

	require.NoError(t, s.UnmonitorChannel(ctx, "C1"))
	channels, err = settings.ListMonitoredChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestDirectoryPassthroughsRequireConnection(t *testing.T) {
	chat := &fakeChat{
		listFn: func(ctx context.Context, token, cursor string) (*domain.ChannelPage, error) {
			return &domain.ChannelPage{Channels: []domain.Channel{{ID: "C1", Name: "general"}}}, nil
		},
		usersFn: func(ctx context.Context, token, cursor string) (*domain.UserPage, error) {
			return &domain.UserPage{Users: []domain.User{{ID: "U1", Name: "dana"}}}, nil
		},
	}
	s, _, _ := testScheduler(t, chat, newMemSettings(), &stubAnalyzer{}, nil)
	ctx := context.Background()

	channels, err := s.ListChannels(ctx, "")
	require.NoError(t, err)
	require.Len(t, channels.Channels, 1)

	users, err := s.ListUsers(ctx, "")
	require.NoError(t, err)
	require.Len(t, users.Users, 1)

	// Without a connection the passthroughs fail with the typed error.
	disconnected := NewDiscoveryScheduler(
		testConnectionManager(&memVault{}, chat, newMemSettings(), nil),
		chat, newMemSettings(), &memAudit{},
		NewJobOrchestrator(&stubAnalyzer{}, &memAudit{}, nil, zap.NewNop()),
		testLimiter(), testBreakers(), nil, zap.NewNop(),
	)
	_, err = disconnected.ListChannels(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestScanRequiresConnection(t *testing.T) {
	settings := newMemSettings()
	chat := &fakeChat{}

	conn := testConnectionManager(&memVault{}, chat, settings, nil)
	orch := NewJobOrchestrator(&stubAnalyzer{}, &memAudit{}, nil, zap.NewNop())
	s := NewDiscoveryScheduler(
		conn, chat, settings, &memAudit{}, orch,
		testLimiter(), testBreakers(), nil, zap.NewNop(),
	)

	_, err := s.RunManualScan(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestUpdateConfigPersistsAndClamps(t *testing.T) {
	settings := newMemSettings()
	chat := &fakeChat{}
	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)

	err := s.UpdateConfig(context.Background(), domain.SchedulerConfig{
		Enabled:  false,
		Interval: time.Minute, // below the safe floor
	})
	require.NoError(t, err)

	cfg := s.Config()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, domain.MinScanInterval, cfg.Interval)

	saved, err := settings.GetSchedulerConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, domain.MinScanInterval, saved.Interval)
}

func TestHistoryPaginationIsBounded(t *testing.T) {
	settings := newMemSettings()
	require.NoError(t, settings.UpsertMonitoredChannel(context.Background(), domain.MonitoredChannel{
		ChannelID: "C1",
		ProjectID: "P1",
	}))

	// The remote keeps claiming more pages with a fresh cursor forever.
	calls := 0
	chat := &fakeChat{}
	chat.historyFn = func(ctx context.Context, token, channelID string, oldest time.Time, cursor string, limit int) (*domain.HistoryPage, error) {
		calls++
		return &domain.HistoryPage{
			Messages:   []domain.Message{{TS: "1700000100.000100", User: "U1", Text: "hi", Type: "message"}},
			HasMore:    true,
			NextCursor: cursor + "x",
		}, nil
	}

	s, _, _ := testScheduler(t, chat, settings, &stubAnalyzer{}, nil)

	result, err := s.RunManualScan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxHistoryPages, calls, "the pagination loop guard caps runaway cursors")
	assert.Equal(t, maxHistoryPages, result.MessagesFetched)
}
