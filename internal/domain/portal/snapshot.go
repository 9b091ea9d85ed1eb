package portal

import (
	"strings"
	"time"
	"unicode"
)

// PeriodKey is a normalized, human-readable identifier derived from a period's
// name. It stays stable across cycles as long as the portal does not rename
// the period, and doubles as the published field namespace suffix
// (grades_<key>, averages_<key>, ...).
type PeriodKey string

// Slugify normalizes a period name into a PeriodKey: lowercased, with every
// run of non-alphanumeric characters collapsed to a single underscore.
func Slugify(name string) PeriodKey {
	var b strings.Builder
	lastUnderscore := true // trims leading separators
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	return PeriodKey(strings.TrimSuffix(b.String(), "_"))
}

// Period families eligible for historical enrichment. A period belongs to a
// family via the first word of its name ("Trimestre 1" -> "trimestre").
const (
	FamilyTrimester = "trimestre"
	FamilySemester  = "semestre"
)

// Family returns the period's family, or "" when the name has no family word.
func (p PeriodInfo) Family() string {
	name := strings.ToLower(strings.TrimSpace(p.Name))
	idx := strings.IndexFunc(name, unicode.IsSpace)
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

// SupportedFamily reports whether the period belongs to a family that has
// comparable historical periods.
func SupportedFamily(family string) bool {
	return family == FamilyTrimester || family == FamilySemester
}

// PeriodData holds the historical records of one closed grading period.
type PeriodData struct {
	Grades         []Grade
	Averages       []Average
	Absences       []Absence
	Delays         []Delay
	Punishments    []Punishment
	Evaluations    []Evaluation
	OverallAverage *OverallAverage
}

// Snapshot is the aggregate result of one fetch cycle. It is constructed
// fresh every cycle and superseded entirely by the next successful cycle;
// a failed fetch never produces a partial Snapshot.
//
// A nil slice means the field could not be fetched this cycle (the portal
// call failed); an empty non-nil slice means the portal returned no items.
type Snapshot struct {
	ChildInfo ChildInfo

	LessonsToday    []Lesson
	LessonsTomorrow []Lesson
	LessonsNextDay  []Lesson
	LessonsPeriod   []Lesson

	Grades         []Grade
	Averages       []Average
	OverallAverage *OverallAverage
	Absences       []Absence
	Delays         []Delay
	Punishments    []Punishment
	Evaluations    []Evaluation

	Homework       []Homework
	HomeworkPeriod []Homework

	InformationAndSurveys []InformationSurvey
	Menus                 []Menu

	Periods          []PeriodInfo
	CurrentPeriod    *PeriodInfo
	CurrentPeriodKey PeriodKey
	PreviousPeriods  []PeriodInfo
	ActivePeriods    []PeriodInfo

	ICalURL string

	// PreviousPeriodData maps each previous period's key to its historical
	// records. Filled from the day cache when one is valid.
	PreviousPeriodData map[PeriodKey]PeriodData

	// Credentials are the refreshed credentials exported by the session,
	// republished to configuration storage by the coordinator when the
	// token scheme is active.
	Credentials *Credentials

	FetchedAt time.Time
}

// ChildSlug returns the published identifier for the child.
func (s *Snapshot) ChildSlug() string {
	return SlugifyChildName(s.ChildInfo.Name)
}

// SlugifyChildName derives the stable child identifier used across storage
// keys and events: the name lowercased with every non-letter replaced by an
// underscore.
func SlugifyChildName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
