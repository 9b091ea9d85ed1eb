package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

// Key prefixes for namespacing Redis keys.
const (
	PrefixSnapshot = "pronote:snapshot:"
	PrefixPeriods  = "pronote:periods:"
)

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT MIRROR
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotMirror publishes the latest snapshot to Redis for out-of-process
// consumers and persists the previous-period day cache across worker
// restarts.
type SnapshotMirror struct {
	cache *Cache
}

// NewSnapshotMirror creates a SnapshotMirror.
func NewSnapshotMirror(cache *Cache) *SnapshotMirror {
	return &SnapshotMirror{cache: cache}
}

// PublishSnapshot stores the latest snapshot for a child. Credentials never
// leave the process, so they are stripped before mirroring.
func (m *SnapshotMirror) PublishSnapshot(ctx context.Context, childSlug string, snapshot *portal.Snapshot) error {
	if snapshot == nil {
		return errors.New("cache: snapshot cannot be nil")
	}

	mirrored := *snapshot
	mirrored.Credentials = nil

	key := PrefixSnapshot + childSlug
	if err := m.cache.Set(ctx, key, &mirrored, 24*time.Hour); err != nil {
		return fmt.Errorf("mirror snapshot for %s: %w", childSlug, err)
	}
	return nil
}

// LoadSnapshot reads the mirrored snapshot for a child. Returns nil when no
// snapshot was mirrored yet.
func (m *SnapshotMirror) LoadSnapshot(ctx context.Context, childSlug string) (*portal.Snapshot, error) {
	var snapshot portal.Snapshot
	err := m.cache.Get(ctx, PrefixSnapshot+childSlug, &snapshot)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// StorePeriodData persists the previous-period records fetched on the given
// day. The entry expires at the next local midnight, matching the cache's
// same-day validity rule.
func (m *SnapshotMirror) StorePeriodData(ctx context.Context, childSlug string, day time.Time, data map[portal.PeriodKey]portal.PeriodData) error {
	ttl := untilEndOfDay(day)
	if ttl <= 0 {
		return nil
	}
	return m.cache.Set(ctx, periodKey(childSlug, day), data, ttl)
}

// LoadPeriodData reads the previous-period records stored on the given day.
// Returns nil on a miss; entries from other days are unreachable by key.
func (m *SnapshotMirror) LoadPeriodData(ctx context.Context, childSlug string, day time.Time) (map[portal.PeriodKey]portal.PeriodData, error) {
	var data map[portal.PeriodKey]portal.PeriodData
	err := m.cache.Get(ctx, periodKey(childSlug, day), &data)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func periodKey(childSlug string, day time.Time) string {
	return PrefixPeriods + childSlug + ":" + timeutil.FormatDateStr(day)
}

func untilEndOfDay(day time.Time) time.Duration {
	endOfDay := timeutil.StartOfDay(day).AddDate(0, 0, 1)
	return endOfDay.Sub(timeutil.Now())
}
