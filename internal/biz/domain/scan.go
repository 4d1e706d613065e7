package domain

import "time"

// ScanTrigger records what started a scan.
type ScanTrigger string

// Scan triggers.
const (
	ScanTriggerManual    ScanTrigger = "manual"
	ScanTriggerScheduled ScanTrigger = "scheduled"
)

// ScanJob is one execution of fetching recent content from monitored
// channels. At most one ScanJob is running per scheduler instance.
type ScanJob struct {
	ID        string
	Trigger   ScanTrigger
	StartedAt time.Time
	IsRunning bool
}

// ScanResult summarizes a completed scan.
type ScanResult struct {
	ScanID             string
	Trigger            ScanTrigger
	ChannelsScanned    int
	MessagesFetched    int
	JobsSubmitted      int
	NewSuggestionCount int
	Errors             []string
	Duration           time.Duration
}

// MonitoredChannel is a channel the scheduler scans, with the
// bookkeeping needed to fetch only new messages.
type MonitoredChannel struct {
	ChannelID   string
	ProjectID   string
	LastScanned time.Time
}

// Scheduler tuning floors. Intervals below the minimum would poll the
// remote service abusively; the startup delay avoids a thundering herd
// on app launch.
const (
	MinScanInterval     = 5 * time.Minute
	DefaultScanInterval = 15 * time.Minute
	DefaultStartupDelay = 30 * time.Second
)

// SchedulerConfig controls the discovery scheduler. Changing it while
// the scheduler runs requires a full stop/restart cycle.
type SchedulerConfig struct {
	Enabled      bool
	Interval     time.Duration
	StartupDelay time.Duration
}

// Normalize clamps the interval to the safe minimum and fills in
// defaults for zero values.
func (c SchedulerConfig) Normalize() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultScanInterval
	}
	if c.Interval < MinScanInterval {
		c.Interval = MinScanInterval
	}
	if c.StartupDelay < 0 {
		c.StartupDelay = 0
	}
	return c
}
