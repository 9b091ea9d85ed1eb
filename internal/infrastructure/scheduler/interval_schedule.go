package scheduler

import (
	"fmt"
	"time"
)

// IntervalSchedule fires at a fixed cadence anchored to the end of the
// previous run, so a slow refresh cycle pushes the next one back instead of
// stacking up behind it.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule creates a schedule that fires every interval.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	return &IntervalSchedule{Interval: interval}
}

// Next returns the run following t.
func (s *IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

// String describes the cadence for job listings and logs.
func (s *IntervalSchedule) String() string {
	return fmt.Sprintf("every %s", s.Interval)
}
