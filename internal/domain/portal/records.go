// Package portal defines the internal data model for everything fetched from
// the Pronote portal. The upstream session returns loosely-typed records with
// optional attributes; the converter layer maps them into these immutable
// value types so the rest of the system never touches raw portal objects.
package portal

import (
	"time"
)

// ChildInfo identifies the student a snapshot belongs to.
type ChildInfo struct {
	Name          string
	ID            string
	ClassName     string
	Establishment string
}

// Lesson is one timetable entry.
type Lesson struct {
	ID          string
	Subject     string
	Start       time.Time
	End         time.Time
	Room        string
	Teacher     string
	Canceled    bool
	IsDetention bool
	Status      string
	Color       string
	IsOutside   bool
}

// Grade is one received mark.
type Grade struct {
	ID           string
	Date         time.Time
	Subject      string
	Grade        string
	OutOf        string
	Coefficient  string
	ClassAverage string
	Comment      string
	IsBonus      bool
	IsOptional   bool
}

// Average is a per-subject average.
type Average struct {
	Subject      string
	Student      string
	ClassAverage string
	Max          string
	Min          string
}

// OverallAverage is the overall average of a period. The portal publishes it
// as a comma-decimal string; Value is nil when the string did not parse.
type OverallAverage struct {
	Raw   string
	Value *float64
}

// Absence is one recorded absence.
type Absence struct {
	ID        string
	FromDate  time.Time
	ToDate    time.Time
	Justified bool
	Hours     string
	Reason    string
}

// Delay is one recorded late arrival.
type Delay struct {
	ID        string
	Date      time.Time
	Minutes   int
	Justified bool
	Reason    string
}

// Punishment is one disciplinary record.
type Punishment struct {
	ID             string
	Given          time.Time
	Subject        string
	Reason         string
	Duration       string
	DuringLesson   bool
	Homework       string
	ExclusionDates []time.Time
}

// Acquisition is one skill level within an evaluation.
type Acquisition struct {
	Name  string
	Level string
}

// Evaluation is one skills evaluation.
type Evaluation struct {
	ID           string
	Name         string
	Subject      string
	Date         time.Time
	Acquisitions []Acquisition
}

// Attachment is a file attached to homework or an announcement.
type Attachment struct {
	Name string
	URL  string
	Type string
}

// Homework is one assignment.
type Homework struct {
	ID          string
	Date        time.Time
	Subject     string
	Description string
	Done        bool
	Color       string
	Files       []Attachment
}

// PeriodInfo describes a grading period (trimester or semester).
type PeriodInfo struct {
	ID    string
	Name  string
	Start time.Time
	End   time.Time
}

// Key returns the stable slug identifying this period across cycles.
func (p PeriodInfo) Key() PeriodKey {
	return Slugify(p.Name)
}

// InformationSurvey is one announcement or survey.
type InformationSurvey struct {
	ID                string
	Title             string
	CreationDate      time.Time
	Author            string
	Category          string
	Read              bool
	Survey            bool
	AnonymousResponse bool
	Content           string
	Attachments       []Attachment
}

// Food is one dish on a canteen menu, with its dietary labels.
type Food struct {
	Name   string
	Labels []FoodLabel
}

// FoodLabel is a dietary label (bio, local, ...) attached to a dish.
type FoodLabel struct {
	Name  string
	Color string
}

// Menu is one canteen menu.
type Menu struct {
	Name      string
	Date      time.Time
	IsLunch   bool
	IsDinner  bool
	FirstMeal []Food
	MainMeal  []Food
	SideMeal  []Food
	Cheese    []Food
	Dessert   []Food
}
