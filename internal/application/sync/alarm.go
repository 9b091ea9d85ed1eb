package sync

import (
	"sort"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// WAKE-UP ALARM
// ══════════════════════════════════════════════════════════════════════════════

// DefaultAlarmOffset is how long before the first lesson the alarm fires.
const DefaultAlarmOffset = 60 * time.Minute

// NextAlarm computes the next wake-up time: the start of the first
// non-canceled lesson minus the offset. Candidate days are tried in order:
// today, the next school day, then the remaining lookahead window day by
// day. An alarm already in the past is skipped, so a refresh after the
// school run started points at the following morning.
func NextAlarm(snapshot *portal.Snapshot, now time.Time, offset time.Duration) *time.Time {
	if snapshot == nil {
		return nil
	}
	if offset <= 0 {
		offset = DefaultAlarmOffset
	}

	if alarm := dayAlarm(snapshot.LessonsToday, now, offset); alarm != nil {
		return alarm
	}
	if alarm := dayAlarm(snapshot.LessonsNextDay, now, offset); alarm != nil {
		return alarm
	}

	// The lookahead window covers days beyond the next school day, for
	// refreshes that happen late in the evening of a pre-holiday Friday.
	// Today's bucket belongs to the first tier and is skipped here.
	today := timeutil.DayKey(now)
	for _, lessons := range lessonsByDay(snapshot.LessonsPeriod) {
		if timeutil.DayKey(lessons[0].Start) == today {
			continue
		}
		if alarm := dayAlarm(lessons, now, offset); alarm != nil {
			return alarm
		}
	}
	return nil
}

// dayAlarm returns the alarm for one day's lessons, or nil when the day has
// no usable lesson or its alarm has already passed.
func dayAlarm(lessons []portal.Lesson, now time.Time, offset time.Duration) *time.Time {
	for _, lesson := range lessons {
		if lesson.Canceled {
			continue
		}
		alarm := lesson.Start.Add(-offset)
		if alarm.After(now) {
			return &alarm
		}
		// The first non-canceled lesson decides the day; a later lesson
		// never produces a same-day alarm.
		return nil
	}
	return nil
}

// lessonsByDay groups a multi-day window into per-day slices, days in
// chronological order. Lessons inside a day keep their sorted order.
func lessonsByDay(window []portal.Lesson) [][]portal.Lesson {
	if len(window) == 0 {
		return nil
	}

	byDay := make(map[string][]portal.Lesson)
	keys := make([]string, 0)
	for _, lesson := range window {
		key := timeutil.DayKey(lesson.Start)
		if _, ok := byDay[key]; !ok {
			keys = append(keys, key)
		}
		byDay[key] = append(byDay[key], lesson)
	}
	sort.Strings(keys)

	days := make([][]portal.Lesson, 0, len(keys))
	for _, key := range keys {
		days = append(days, byDay[key])
	}
	return days
}
