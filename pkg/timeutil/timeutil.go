// Package timeutil provides timezone and school-calendar helpers.
// Pronote establishments publish all times in the school's local timezone;
// French metropolitan schools use Europe/Paris, which is the default here.
// No external dependencies - uses only standard library.
package timeutil

import (
	"time"
)

// DefaultLocation is the timezone used when the school does not specify one.
// Europe/Paris observes DST, so the IANA database is loaded rather than a
// fixed offset.
var DefaultLocation = mustLoadLocation("Europe/Paris")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Now returns the current time in the default school timezone.
func Now() time.Time {
	return time.Now().In(DefaultLocation)
}

// Date creates a midnight time in the default school timezone.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, DefaultLocation)
}

// StartOfDay returns the start of the day (00:00:00) in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// SameDay checks if two times fall on the same calendar day in the first
// argument's location.
func SameDay(t1, t2 time.Time) bool {
	t2 = t2.In(t1.Location())
	return t1.Year() == t2.Year() && t1.YearDay() == t2.YearDay()
}

// DaysBetween returns the number of whole calendar days between two times.
func DaysBetween(t1, t2 time.Time) int {
	a := StartOfDay(t1)
	b := StartOfDay(t2.In(t1.Location()))
	days := int(b.Sub(a).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}

// IsWeekend checks if the given time is on a weekend.
// French schools may have Saturday morning lessons, so this is only a hint
// and never used to skip a timetable lookup.
func IsWeekend(t time.Time) bool {
	weekday := t.Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard time format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
	// FormatFrenchDate is the French date format (DD/MM/YYYY).
	FormatFrenchDate = "02/01/2006"
)

// FormatDateStr formats a time as a date string (YYYY-MM-DD).
func FormatDateStr(t time.Time) string {
	return t.Format(FormatDate)
}

// FormatTimeStr formats a time as a time string (HH:MM).
func FormatTimeStr(t time.Time) string {
	return t.Format(FormatTime)
}

// FormatDateTimeStr formats a time as a datetime string (YYYY-MM-DD HH:MM).
func FormatDateTimeStr(t time.Time) string {
	return t.Format(FormatDateTime)
}

// ParseDate parses a date string (YYYY-MM-DD) in the default school timezone.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(FormatDate, value, DefaultLocation)
}

// DayKey returns a stable map key for the calendar day of t.
// Used to group a multi-day lesson window by day.
func DayKey(t time.Time) string {
	return t.Format(FormatDate)
}
