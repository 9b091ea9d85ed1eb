package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameDay(t *testing.T) {
	morning := Date(2025, 9, 15).Add(8 * time.Hour)
	evening := Date(2025, 9, 15).Add(22 * time.Hour)
	nextDay := Date(2025, 9, 16)

	assert.True(t, SameDay(morning, evening))
	assert.False(t, SameDay(evening, nextDay))
}

func TestSameDay_CrossTimezone(t *testing.T) {
	// 23:30 Paris time on the 15th is already the 16th in UTC+2? No - Paris
	// IS UTC+2 in summer. Compare against a UTC instant instead.
	paris := Date(2025, 6, 15).Add(23*time.Hour + 30*time.Minute)
	utc := paris.UTC()

	assert.True(t, SameDay(paris, utc), "same instant must be the same day regardless of representation")
}

func TestDaysBetween(t *testing.T) {
	a := Date(2025, 9, 15)
	b := Date(2025, 9, 18).Add(5 * time.Hour)

	assert.Equal(t, 3, DaysBetween(a, b))
	assert.Equal(t, 3, DaysBetween(b, a))
	assert.Equal(t, 0, DaysBetween(a, a.Add(10*time.Hour)))
}

func TestStartOfDay(t *testing.T) {
	at := Date(2025, 9, 15).Add(13*time.Hour + 45*time.Minute)
	start := StartOfDay(at)

	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 0, start.Minute())
	assert.True(t, SameDay(at, start))
}

func TestDayKey(t *testing.T) {
	assert.Equal(t, "2025-09-15", DayKey(Date(2025, 9, 15).Add(9*time.Hour)))
}

func TestParseDate(t *testing.T) {
	parsed, err := ParseDate("2025-09-15")
	assert.NoError(t, err)
	assert.Equal(t, Date(2025, 9, 15), parsed)
}
