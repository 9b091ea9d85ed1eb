// Package pronote implements the resilient Pronote portal client.
package pronote

import (
	"context"
	"errors"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION BOUNDARY - Upstream portal surface
// ══════════════════════════════════════════════════════════════════════════════

// Boundary sentinels. Dialer and Session implementations wrap their failures
// with one of these so the client can classify them without knowing the
// underlying transport.
var (
	// ErrSessionExpired means the portal no longer recognizes the session.
	ErrSessionExpired = errors.New("session expired")

	// ErrDialCrypto means stored token material or a QR payload could not be
	// decrypted. The credentials are unusable and must be re-provisioned.
	ErrDialCrypto = errors.New("credential decryption failed")

	// ErrDialENT means the identity broker in front of the portal refused
	// the login.
	ErrDialENT = errors.New("identity broker refused login")

	// ErrDialNetwork means the portal could not be reached.
	ErrDialNetwork = errors.New("portal unreachable")
)

// Dialer opens authenticated sessions against the portal. Implementations
// wrap the upstream protocol library; the client never touches the wire
// format directly.
type Dialer interface {
	// LoginWithPassword opens a session with a username and password,
	// optionally through a named identity broker.
	LoginWithPassword(ctx context.Context, login PasswordLogin) (Session, error)

	// LoginWithToken opens a session with a previously exported rotating
	// token. The portal rotates the token on every successful login.
	LoginWithToken(ctx context.Context, login TokenLogin) (Session, error)

	// ExchangeQRCode trades a one-time QR payload for a session and an
	// initial token. The payload is consumed by the attempt whether or not
	// it succeeds, so callers must never retry an exchange.
	ExchangeQRCode(ctx context.Context, exchange QRCodeExchange) (Session, error)
}

// PasswordLogin carries the inputs of a username and password login.
type PasswordLogin struct {
	URL      string
	Username string
	Password string

	// ENT names the identity broker to authenticate through. Empty means a
	// direct portal login.
	ENT string

	// AccountPIN is the second factor some accounts require.
	AccountPIN string

	DeviceName       string
	ClientIdentifier string
}

// TokenLogin carries the inputs of a rotating token login.
type TokenLogin struct {
	URL      string
	Username string
	Token    string
	UUID     string

	AccountPIN       string
	DeviceName       string
	ClientIdentifier string
}

// QRCodeExchange carries the decoded one-time QR payload and the PIN that
// seals it.
type QRCodeExchange struct {
	URL   string
	Login string
	Token string
	PIN   string

	DeviceName       string
	ClientIdentifier string
}

// Session is one authenticated portal session. Calls are synchronous and may
// block on the network; the client dispatches them with a deadline. A session
// stays bound to one child at a time.
type Session interface {
	// Child returns the identity of the currently selected child.
	Child() (RawChild, error)

	// SelectChild switches a parent session to the named child.
	SelectChild(name string) error

	// Lessons returns the timetable of a single day.
	Lessons(day time.Time) ([]RawLesson, error)

	// LessonsRange returns the timetable between two days inclusive.
	LessonsRange(start, end time.Time) ([]RawLesson, error)

	// Homework returns assignments due between two days inclusive.
	Homework(start, end time.Time) ([]RawHomework, error)

	// InformationAndSurveys returns announcements published since a date.
	InformationAndSurveys(since time.Time) ([]RawInformation, error)

	// Menus returns cafeteria menus between two days inclusive.
	Menus(start, end time.Time) ([]RawMenu, error)

	// Periods returns every grading period of the school year.
	Periods() ([]Period, error)

	// CurrentPeriod returns the period the current date falls in.
	CurrentPeriod() (Period, error)

	// ExportCredentials returns the rotated token material after a token or
	// QR login. The caller must persist it before the next login attempt.
	ExportCredentials() (ExportedCredentials, error)

	// ExportICal returns the public iCal feed URL of the timetable.
	ExportICal() (string, error)

	// ForgetPIN discards second-factor PIN material the session cached
	// during login. The PIN is only needed for the handshake and must not
	// outlive it.
	ForgetPIN()

	// Check verifies the session is still accepted by the portal.
	Check() error
}

// ExportedCredentials is the rotated token material a session exports after
// a token based login.
type ExportedCredentials struct {
	URL      string
	Username string
	Token    string
	UUID     string
}

// ══════════════════════════════════════════════════════════════════════════════
// RAW RECORDS - Loosely typed upstream shapes
// ══════════════════════════════════════════════════════════════════════════════

// The portal omits attributes freely, so every optional attribute is a
// pointer. The mapper owns the defaults and drops records whose required
// attributes are missing.

// RawChild identifies the child a session is bound to.
type RawChild struct {
	Name       string
	Class      *string
	School     *string
	ProfileURL *string
	DelegateTo *string
}

// RawLesson is one timetable slot as the portal reports it.
type RawLesson struct {
	ID              *string
	Subject         *string
	Start           *time.Time
	End             *time.Time
	Classroom       *string
	Teacher         *string
	Canceled        *bool
	Detention       *bool
	Status          *string
	BackgroundColor *string
	Outing          *bool
}

// RawGrade is one grade entry.
type RawGrade struct {
	ID           *string
	Date         *time.Time
	Subject      *string
	Grade        *string
	OutOf        *string
	Coefficient  *string
	ClassAverage *string
	Comment      *string
	IsBonus      *bool
	IsOptional   *bool
}

// RawAverage is one per subject average.
type RawAverage struct {
	Subject         *string
	Student         *string
	ClassAverage    *string
	Max             *string
	Min             *string
	OutOf           *string
	BackgroundColor *string
}

// RawAbsence is one recorded absence.
type RawAbsence struct {
	ID        *string
	FromDate  *time.Time
	ToDate    *time.Time
	Justified *bool
	Hours     *string
	Reasons   []string
}

// RawDelay is one recorded late arrival.
type RawDelay struct {
	ID        *string
	Date      *time.Time
	Minutes   *int
	Justified *bool
	Reasons   []string
}

// RawPunishment is one disciplinary record.
type RawPunishment struct {
	ID             *string
	Given          *time.Time
	Nature         *string
	Reasons        []string
	DurationHours  *string
	DuringLesson   *bool
	Homework       *string
	ExclusionDates []time.Time
}

// RawAcquisition is one skill level inside an evaluation.
type RawAcquisition struct {
	Name         *string
	Level        *string
	Abbreviation *string
	Domain       *string
	Coefficient  *int
}

// RawEvaluation is one skills evaluation.
type RawEvaluation struct {
	ID           *string
	Name         *string
	Date         *time.Time
	Subject      *string
	Description  *string
	Teacher      *string
	Coefficient  *string
	Paliers      []string
	Acquisitions []RawAcquisition
}

// RawAttachment is a file or link attached to homework or an announcement.
type RawAttachment struct {
	Name *string
	URL  *string
	Type *int
}

// RawHomework is one assignment.
type RawHomework struct {
	ID              *string
	Subject         *string
	Description     *string
	Date            *time.Time
	Done            *bool
	BackgroundColor *string
	Attachments     []RawAttachment
}

// RawInformation is one announcement or survey.
type RawInformation struct {
	ID           *string
	Author       *string
	Title        *string
	Content      *string
	CreationDate *time.Time
	StartDate    *time.Time
	EndDate      *time.Time
	Category     *string
	Read         *bool
	Survey       *bool
	Anonymous    *bool
	Attachments  []RawAttachment
}

// RawFood is one dish on a menu course.
type RawFood struct {
	Name   *string
	Labels []RawFoodLabel
}

// RawFoodLabel is a dietary label on a dish.
type RawFoodLabel struct {
	Name  *string
	Color *string
}

// RawMenu is one day's cafeteria menu.
type RawMenu struct {
	ID          *string
	Date        *time.Time
	Name        *string
	IsLunch     *bool
	IsDinner    *bool
	FirstMeal   []RawFood
	MainMeal    []RawFood
	SideMeal    []RawFood
	OtherMeal   []RawFood
	DessertMeal []RawFood
	CheeseMeal  []RawFood
}

// Period is one grading period. Record accessors hit the network and may
// fail independently of each other.
type Period interface {
	// Info returns the period's identity without a network call.
	Info() RawPeriod

	Grades() ([]RawGrade, error)
	Averages() ([]RawAverage, error)
	OverallAverage() (*string, error)
	Absences() ([]RawAbsence, error)
	Delays() ([]RawDelay, error)
	Punishments() ([]RawPunishment, error)
	Evaluations() ([]RawEvaluation, error)
}

// RawPeriod is a period's identity.
type RawPeriod struct {
	ID    string
	Name  string
	Start time.Time
	End   time.Time
}
