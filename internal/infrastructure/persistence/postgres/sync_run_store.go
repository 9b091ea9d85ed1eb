package postgres

import (
	"context"
	"fmt"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// SYNC RUN STORE
// ══════════════════════════════════════════════════════════════════════════════

// SyncRun is one recorded refresh cycle.
type SyncRun struct {
	ID        int64
	ChildSlug string
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Stage     string
	Error     string
	NewItems  int
}

// SyncRunStore records refresh cycle outcomes for operational history.
type SyncRunStore struct {
	conn *Connection
}

// NewSyncRunStore creates a SyncRunStore.
func NewSyncRunStore(conn *Connection) *SyncRunStore {
	return &SyncRunStore{conn: conn}
}

// Record inserts one refresh cycle outcome.
func (s *SyncRunStore) Record(ctx context.Context, run SyncRun) error {
	_, err := s.conn.Pool().Exec(ctx, `
		INSERT INTO sync_runs
			(child_slug, started_at, duration_ms, success, stage, error, new_items)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ChildSlug, run.StartedAt, run.Duration.Milliseconds(),
		run.Success, run.Stage, run.Error, run.NewItems)
	if err != nil {
		return fmt.Errorf("postgres: record sync run: %w", err)
	}
	return nil
}

// Recent returns the latest runs for a child, newest first.
func (s *SyncRunStore) Recent(ctx context.Context, childSlug string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Pool().Query(ctx, `
		SELECT id, child_slug, started_at, duration_ms, success, stage, error, new_items
		FROM sync_runs
		WHERE child_slug = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		childSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sync runs: %w", err)
	}
	defer rows.Close()

	runs := make([]SyncRun, 0, limit)
	for rows.Next() {
		var run SyncRun
		var durationMs int64
		if err := rows.Scan(&run.ID, &run.ChildSlug, &run.StartedAt, &durationMs,
			&run.Success, &run.Stage, &run.Error, &run.NewItems); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Prune deletes runs older than the retention window.
func (s *SyncRunStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.conn.Pool().Exec(ctx,
		`DELETE FROM sync_runs WHERE started_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("postgres: prune sync runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
