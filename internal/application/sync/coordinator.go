// Package sync implements the polling coordinator: the refresh cycle that
// authenticates, fetches a snapshot, diffs it against the previous one, and
// publishes what changed.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/external/pronote"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// PortalClient is the portal surface the coordinator drives. Implemented by
// pronote.Client.
type PortalClient interface {
	Authenticate(ctx context.Context, cfg pronote.AuthConfig) error
	IsAuthenticated(ctx context.Context) bool
	InvalidateSession()
	FetchSnapshot(ctx context.Context, opts pronote.FetchOptions) (*portal.Snapshot, error)
	Credentials() *portal.Credentials
}

// CredentialStore persists rotated token credentials between cycles.
type CredentialStore interface {
	Save(ctx context.Context, childSlug string, creds portal.Credentials) error
}

// SnapshotMirror publishes snapshots and the period day cache out of
// process.
type SnapshotMirror interface {
	PublishSnapshot(ctx context.Context, childSlug string, snapshot *portal.Snapshot) error
	StorePeriodData(ctx context.Context, childSlug string, day time.Time, data map[portal.PeriodKey]portal.PeriodData) error
	LoadPeriodData(ctx context.Context, childSlug string, day time.Time) (map[portal.PeriodKey]portal.PeriodData, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// COORDINATOR
// ══════════════════════════════════════════════════════════════════════════════

// Config configures a Coordinator.
type Config struct {
	Client PortalClient
	Bus    shared.EventBus
	Auth   pronote.AuthConfig

	// Credentials receives rotated token material after each qrcode-scheme
	// cycle. Optional.
	Credentials CredentialStore

	// Mirror publishes snapshots and persists the period day cache across
	// restarts. Optional.
	Mirror SnapshotMirror

	// Fetch carries the horizon settings for every cycle. Today and
	// PeriodCache are managed by the coordinator.
	Fetch pronote.FetchOptions

	// AlarmOffset is how long before the first lesson the wake-up alarm
	// fires.
	AlarmOffset time.Duration

	Logger *slog.Logger

	// Clock overrides the time source in tests.
	Clock func() time.Time
}

// periodDayCache is the previous-period records fetched on one calendar
// day. It is only ever reused on that same day.
type periodDayCache struct {
	day  time.Time
	data map[portal.PeriodKey]portal.PeriodData
}

// Coordinator runs refresh cycles against one child's portal account. A
// cycle either replaces the held snapshot wholesale or leaves the last good
// one in place; consumers never observe a partially updated snapshot.
type Coordinator struct {
	config Config
	logger *slog.Logger
	clock  func() time.Time

	mu          sync.RWMutex
	snapshot    *portal.Snapshot
	alarm       *time.Time
	lastSuccess time.Time
	lastError   error
	cycles      int64
	periodCache *periodDayCache
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(config Config) *Coordinator {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.Now
	}
	if config.AlarmOffset <= 0 {
		config.AlarmOffset = DefaultAlarmOffset
	}

	return &Coordinator{
		config: config,
		logger: logger.With(slog.String("component", "sync_coordinator")),
		clock:  clock,
	}
}

// Refresh runs one full cycle: authenticate if needed, fetch, diff, publish.
// On failure the previous snapshot stays available and the error is
// returned for the scheduler to translate into a backoff.
func (c *Coordinator) Refresh(ctx context.Context) error {
	started := c.clock()
	today := timeutil.StartOfDay(started)

	if !c.config.Client.IsAuthenticated(ctx) {
		if err := c.config.Client.Authenticate(ctx, c.config.Auth); err != nil {
			c.recordFailure("auth", err)
			return err
		}
	}

	opts := c.config.Fetch
	opts.Today = today
	opts.PeriodCache = c.validPeriodCache(ctx, today)

	snapshot, err := c.config.Client.FetchSnapshot(ctx, opts)
	if err != nil {
		if shared.IsAuthentication(err) {
			// The session is gone; make the next cycle start from a
			// fresh login even if the client kept it.
			c.config.Client.InvalidateSession()
		}
		c.recordFailure("fetch", err)
		return err
	}

	childSlug := snapshot.ChildSlug()
	c.storePeriodCache(ctx, childSlug, today, opts.PeriodCache, snapshot)
	c.republishCredentials(ctx, childSlug, snapshot)

	alarm := NextAlarm(snapshot, c.clock(), c.config.AlarmOffset)

	c.mu.Lock()
	previous := c.snapshot
	c.snapshot = snapshot
	c.alarm = alarm
	c.lastSuccess = c.clock()
	c.lastError = nil
	c.cycles++
	c.mu.Unlock()

	diff := DiffSnapshots(previous, snapshot)
	c.publishDiff(childSlug, snapshot.ChildInfo.Name, diff)
	c.mirrorSnapshot(ctx, childSlug, snapshot)

	duration := c.clock().Sub(started)
	c.publish(shared.SyncCompletedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSyncCompleted, childSlug),
		Duration:  duration,
		NewGrades: len(diff.Grades),
		NewItems:  diff.Total(),
	})

	c.logger.Info("refresh cycle completed",
		slog.String("child", childSlug),
		slog.Duration("duration", duration),
		slog.Int("new_items", diff.Total()))
	return nil
}

// validPeriodCache returns the previous-period records to reuse this cycle,
// or nil when a live fetch is required. In-memory state wins; the mirror
// covers worker restarts.
func (c *Coordinator) validPeriodCache(ctx context.Context, today time.Time) map[portal.PeriodKey]portal.PeriodData {
	c.mu.RLock()
	cache := c.periodCache
	c.mu.RUnlock()

	if cache != nil {
		if timeutil.SameDay(cache.day, today) {
			return cache.data
		}
		// Stale entries are dropped, never served.
		c.mu.Lock()
		c.periodCache = nil
		c.mu.Unlock()
	}

	slug := c.ChildSlug()
	if c.config.Mirror == nil || slug == "" {
		return nil
	}
	data, err := c.config.Mirror.LoadPeriodData(ctx, slug, today)
	if err != nil {
		c.logger.Warn("period cache unavailable from mirror", slog.Any("error", err))
		return nil
	}
	if data == nil {
		return nil
	}
	c.mu.Lock()
	c.periodCache = &periodDayCache{day: today, data: data}
	c.mu.Unlock()
	return data
}

// storePeriodCache remembers freshly fetched previous-period records for
// the rest of the day.
func (c *Coordinator) storePeriodCache(ctx context.Context, childSlug string, today time.Time, reused map[portal.PeriodKey]portal.PeriodData, snapshot *portal.Snapshot) {
	if reused != nil || snapshot.PreviousPeriodData == nil {
		return
	}

	c.mu.Lock()
	c.periodCache = &periodDayCache{day: today, data: snapshot.PreviousPeriodData}
	c.mu.Unlock()

	if c.config.Mirror != nil {
		if err := c.config.Mirror.StorePeriodData(ctx, childSlug, today, snapshot.PreviousPeriodData); err != nil {
			c.logger.Warn("failed to persist period cache", slog.Any("error", err))
		}
	}
}

// republishCredentials saves the rotated token so the next login works. The
// portal invalidates the previous token on every use, which makes this the
// most important write of the cycle.
func (c *Coordinator) republishCredentials(ctx context.Context, childSlug string, snapshot *portal.Snapshot) {
	if c.config.Auth.Scheme != portal.SchemeQRCode || c.config.Credentials == nil {
		return
	}
	if snapshot.Credentials == nil {
		return
	}
	if err := c.config.Credentials.Save(ctx, childSlug, *snapshot.Credentials); err != nil {
		c.logger.Error("failed to persist rotated credentials",
			slog.String("child", childSlug),
			slog.Any("error", err))
	}
}

func (c *Coordinator) publishDiff(childSlug, childName string, diff Diff) {
	if c.config.Bus == nil {
		return
	}
	for _, event := range diff.Events(childSlug, childName) {
		if err := c.config.Bus.Publish(event); err != nil {
			c.logger.Error("failed to publish event",
				slog.String("event_type", string(event.EventType())),
				slog.Any("error", err))
		}
	}
}

func (c *Coordinator) mirrorSnapshot(ctx context.Context, childSlug string, snapshot *portal.Snapshot) {
	if c.config.Mirror == nil {
		return
	}
	if err := c.config.Mirror.PublishSnapshot(ctx, childSlug, snapshot); err != nil {
		c.logger.Warn("failed to mirror snapshot", slog.Any("error", err))
	}
}

func (c *Coordinator) recordFailure(stage string, err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()

	c.publish(shared.SyncFailedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSyncFailed, c.ChildSlug()),
		Stage:     stage,
		Reason:    err.Error(),
	})

	c.logger.Error("refresh cycle failed",
		slog.String("stage", stage),
		slog.Any("error", err))
}

func (c *Coordinator) publish(event shared.Event) {
	if c.config.Bus == nil {
		return
	}
	if err := c.config.Bus.Publish(event); err != nil {
		c.logger.Error("failed to publish event",
			slog.String("event_type", string(event.EventType())),
			slog.Any("error", err))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ACCESSORS
// ══════════════════════════════════════════════════════════════════════════════

// Snapshot returns the last good snapshot, or nil before the first
// successful cycle.
func (c *Coordinator) Snapshot() *portal.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// NextAlarm returns the computed wake-up time, or nil when no lesson is in
// reach.
func (c *Coordinator) NextAlarm() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.alarm == nil {
		return nil
	}
	alarm := *c.alarm
	return &alarm
}

// LastSuccess returns when the last successful cycle finished.
func (c *Coordinator) LastSuccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSuccess
}

// LastError returns the failure of the most recent cycle, nil after a
// success.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// Cycles returns how many successful cycles have run.
func (c *Coordinator) Cycles() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycles
}

// ChildSlug returns the slug of the synced child, falling back to the
// configured child name before the first snapshot.
func (c *Coordinator) ChildSlug() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot != nil {
		return c.snapshot.ChildSlug()
	}
	name := c.config.Auth.Child
	if name == "" {
		name = c.config.Auth.Username
	}
	return portal.SlugifyChildName(name)
}
