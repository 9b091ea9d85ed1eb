package sync

import (
	"context"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/scheduler"
)

// circuitOpenBackoff matches the breaker's recovery timeout, so the next
// attempt lands right when the breaker is willing to try again.
const circuitOpenBackoff = 5 * time.Minute

// RefreshJob adapts the coordinator's refresh cycle to the scheduler and
// translates portal backoff hints into run postponements.
type RefreshJob struct {
	coordinator *Coordinator
}

// NewRefreshJob creates a RefreshJob.
func NewRefreshJob(coordinator *Coordinator) *RefreshJob {
	return &RefreshJob{coordinator: coordinator}
}

// Name implements scheduler.Job.
func (j *RefreshJob) Name() string {
	return "portal_refresh"
}

// Description implements scheduler.Job.
func (j *RefreshJob) Description() string {
	return "Fetches a fresh portal snapshot and publishes what changed"
}

// Run implements scheduler.Job. Throttle and breaker failures carry a known
// wait; running again sooner would only prolong them.
func (j *RefreshJob) Run(ctx context.Context) error {
	err := j.coordinator.Refresh(ctx)
	if err == nil {
		return nil
	}

	if shared.IsRateLimit(err) {
		if delay := shared.RetryAfterOf(err); delay > 0 {
			return scheduler.Postpone(err, delay)
		}
	}
	if shared.IsCircuitOpen(err) {
		return scheduler.Postpone(err, circuitOpenBackoff)
	}
	return err
}
