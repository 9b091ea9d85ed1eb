package pronote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

func TestToLessons_DropsRecordsWithoutTimeBounds(t *testing.T) {
	day := timeutil.Date(2026, time.March, 2)
	raws := []RawLesson{
		rawLessonAt(day, 10, "Maths"),
		{Subject: ptr("Broken")},
		rawLessonAt(day, 8, "Histoire"),
	}

	lessons := toLessons(raws)

	require.Len(t, lessons, 2)
	assert.Equal(t, "Histoire", lessons[0].Subject, "sorted by start time")
	assert.Equal(t, "Maths", lessons[1].Subject)
}

func TestToOverallAverage(t *testing.T) {
	tests := []struct {
		name      string
		raw       *string
		wantNil   bool
		wantValue *float64
	}{
		{"missing average", nil, true, nil},
		{"comma decimal", ptr("14,5"), false, ptr(14.5)},
		{"dot decimal", ptr("12.25"), false, ptr(12.25)},
		{"integer", ptr("16"), false, ptr(16.0)},
		{"non numeric", ptr("Absent"), false, nil},
		{"empty string", ptr(""), false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avg := toOverallAverage(tt.raw)
			if tt.wantNil {
				assert.Nil(t, avg)
				return
			}
			require.NotNil(t, avg)
			assert.Equal(t, *tt.raw, avg.Raw)
			if tt.wantValue == nil {
				assert.Nil(t, avg.Value)
			} else {
				require.NotNil(t, avg.Value)
				assert.InDelta(t, *tt.wantValue, *avg.Value, 0.001)
			}
		})
	}
}

func TestToAbsence_ToDateFallsBackToFromDate(t *testing.T) {
	from := timeutil.Date(2026, time.February, 10)
	absence, err := toAbsence(RawAbsence{
		FromDate: ptr(from),
		Reasons:  []string{"Maladie", "Rendez-vous"},
	})
	require.NoError(t, err)

	assert.Equal(t, from, absence.ToDate)
	assert.Equal(t, "Maladie, Rendez-vous", absence.Reason)
}

func TestToGrades_SortedNewestFirst(t *testing.T) {
	older := timeutil.Date(2026, time.January, 10)
	newer := timeutil.Date(2026, time.February, 20)
	grades := toGrades([]RawGrade{
		{Date: ptr(older), Subject: ptr("Maths")},
		{Date: nil, Subject: ptr("Dropped")},
		{Date: ptr(newer), Subject: ptr("Anglais")},
	})

	require.Len(t, grades, 2)
	assert.Equal(t, "Anglais", grades[0].Subject)
	assert.Equal(t, "Maths", grades[1].Subject)
}

func TestToAttachments_TypeMapping(t *testing.T) {
	attachments := toAttachments([]RawAttachment{
		{Name: ptr("sujet.pdf"), Type: ptr(1)},
		{Name: ptr("corrigé"), URL: ptr("https://example.org"), Type: ptr(0)},
		{Name: ptr("untyped")},
	})

	require.Len(t, attachments, 3)
	assert.Equal(t, "file", attachments[0].Type)
	assert.Equal(t, "link", attachments[1].Type)
	assert.Equal(t, "file", attachments[2].Type)
}

func TestToMenus_KeepsMealCourses(t *testing.T) {
	day := timeutil.Date(2026, time.March, 3)
	menus := toMenus([]RawMenu{{
		Date:    ptr(day),
		Name:    ptr("Déjeuner"),
		IsLunch: ptr(true),
		MainMeal: []RawFood{{
			Name:   ptr("Poulet rôti"),
			Labels: []RawFoodLabel{{Name: ptr("fait maison")}},
		}},
	}})

	require.Len(t, menus, 1)
	assert.True(t, menus[0].IsLunch)
	require.Len(t, menus[0].MainMeal, 1)
	assert.Equal(t, "Poulet rôti", menus[0].MainMeal[0].Name)
	require.Len(t, menus[0].MainMeal[0].Labels, 1)
}
