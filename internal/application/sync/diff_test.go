package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

func grade(date time.Time, subject, mark, outOf string) portal.Grade {
	return portal.Grade{Date: date, Subject: subject, Grade: mark, OutOf: outOf}
}

func TestDiffSnapshots_DetectsNewGrades(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	prev := &portal.Snapshot{
		Grades: []portal.Grade{grade(day, "Maths", "15", "20")},
	}
	curr := &portal.Snapshot{
		Grades: []portal.Grade{
			grade(day, "Maths", "15", "20"),
			grade(day.AddDate(0, 0, 1), "Histoire", "12", "20"),
		},
	}

	diff := DiffSnapshots(prev, curr)

	require.Len(t, diff.Grades, 1)
	assert.Equal(t, "Histoire", diff.Grades[0].Subject)
	assert.Equal(t, 1, diff.Total())
}

func TestDiffSnapshots_ContentKeyIgnoresPortalID(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	prev := &portal.Snapshot{
		Grades: []portal.Grade{{ID: "old-id", Date: day, Subject: "Maths", Grade: "15", OutOf: "20"}},
	}
	curr := &portal.Snapshot{
		Grades: []portal.Grade{{ID: "reissued-id", Date: day, Subject: "Maths", Grade: "15", OutOf: "20"}},
	}

	diff := DiffSnapshots(prev, curr)

	assert.Empty(t, diff.Grades, "same content under a new ID is not a new grade")
}

func TestDiffSnapshots_NilFieldSkipsComparison(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	withGrades := &portal.Snapshot{
		Grades: []portal.Grade{grade(day, "Maths", "15", "20")},
	}
	withoutGrades := &portal.Snapshot{Grades: nil}

	// Field unavailable this cycle: nothing to compare, nothing reported.
	diff := DiffSnapshots(withGrades, withoutGrades)
	assert.Empty(t, diff.Grades)

	// Field recovers next cycle: everything in it would look new against a
	// nil baseline, so it is skipped too.
	diff = DiffSnapshots(withoutGrades, withGrades)
	assert.Empty(t, diff.Grades)
}

func TestDiffSnapshots_BaselineCycleIsSilent(t *testing.T) {
	curr := &portal.Snapshot{
		Grades:   []portal.Grade{grade(timeutil.Date(2026, time.March, 2), "Maths", "15", "20")},
		Absences: []portal.Absence{{FromDate: timeutil.Date(2026, time.March, 1)}},
	}

	diff := DiffSnapshots(nil, curr)

	assert.Zero(t, diff.Total())
}

func TestDiffSnapshots_AbsenceKeyUsesMinutePrecision(t *testing.T) {
	from := time.Date(2026, time.March, 2, 8, 0, 0, 0, timeutil.DefaultLocation)
	to := time.Date(2026, time.March, 2, 10, 0, 0, 0, timeutil.DefaultLocation)
	prev := &portal.Snapshot{
		Absences: []portal.Absence{{FromDate: from, ToDate: to}},
		Delays:   []portal.Delay{},
	}
	curr := &portal.Snapshot{
		Absences: []portal.Absence{
			{FromDate: from, ToDate: to},
			{FromDate: from, ToDate: to.Add(time.Hour)},
		},
		Delays: []portal.Delay{
			{Date: timeutil.Date(2026, time.March, 2), Minutes: 10},
		},
	}

	diff := DiffSnapshots(prev, curr)

	require.Len(t, diff.Absences, 1)
	assert.Equal(t, to.Add(time.Hour), diff.Absences[0].ToDate)
	require.Len(t, diff.Delays, 1)
	assert.Equal(t, 10, diff.Delays[0].Minutes)
}

func TestDiffSnapshots_DelaysWithDifferentMinutesAreDistinct(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	prev := &portal.Snapshot{
		Delays: []portal.Delay{{Date: day, Minutes: 5}},
	}
	curr := &portal.Snapshot{
		Delays: []portal.Delay{
			{Date: day, Minutes: 5},
			{Date: day, Minutes: 15},
		},
	}

	diff := DiffSnapshots(prev, curr)

	require.Len(t, diff.Delays, 1)
	assert.Equal(t, 15, diff.Delays[0].Minutes)
}

func TestDiffEvents_OrderAndPayloads(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	diff := Diff{
		Grades: []portal.Grade{
			{Date: day, Subject: "Maths", Grade: "15", OutOf: "20", ClassAverage: "11,2"},
		},
		Absences: []portal.Absence{
			{
				FromDate:  time.Date(2026, time.March, 2, 8, 0, 0, 0, timeutil.DefaultLocation),
				ToDate:    time.Date(2026, time.March, 2, 9, 0, 0, 0, timeutil.DefaultLocation),
				Justified: true,
				Reason:    "maladie",
			},
		},
		Evaluations: []portal.Evaluation{
			{Name: "Comprendre un texte", Subject: "Français", Date: day,
				Acquisitions: []portal.Acquisition{{Name: "lecture", Level: "A"}}},
		},
	}

	events := diff.Events("alice_martin", "Alice Martin")

	require.Len(t, events, 3)
	assert.Equal(t, shared.EventNewGrade, events[0].EventType())
	assert.Equal(t, shared.EventNewAbsence, events[1].EventType())
	assert.Equal(t, shared.EventNewEvaluation, events[2].EventType())

	for _, event := range events {
		assert.Equal(t, "alice_martin", event.AggregateID())
		assert.Equal(t, "Alice Martin", event.Payload()["child_name"])
	}

	gradeData := events[0].Payload()["data"].(map[string]interface{})
	assert.Equal(t, "15/20", gradeData["grade"])
	assert.Equal(t, "2026-03-02", gradeData["date"])
	assert.Equal(t, "11,2", gradeData["class_average"])
	_, hasComment := gradeData["comment"]
	assert.False(t, hasComment, "empty optional fields stay out of the payload")

	absenceData := events[1].Payload()["data"].(map[string]interface{})
	assert.Equal(t, "2026-03-02 08:00", absenceData["from"])
	assert.Equal(t, true, absenceData["justified"])
	assert.Equal(t, "maladie", absenceData["reason"])

	evalData := events[2].Payload()["data"].(map[string]interface{})
	assert.Equal(t, "Comprendre un texte", evalData["name"])
	assert.Equal(t, 1, evalData["acquisitions"])
}
