package pronote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/pkg/circuitbreaker"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

func ptr[T any](v T) *T { return &v }

// ══════════════════════════════════════════════════════════════════════════════
// FAKES
// ══════════════════════════════════════════════════════════════════════════════

type fakePeriod struct {
	info RawPeriod

	grades      []RawGrade
	gradesErr   error
	averages    []RawAverage
	overall     *string
	absences    []RawAbsence
	delays      []RawDelay
	punishments []RawPunishment
	evaluations []RawEvaluation

	gradesCalls int
}

func (p *fakePeriod) Info() RawPeriod { return p.info }

func (p *fakePeriod) Grades() ([]RawGrade, error) {
	p.gradesCalls++
	return p.grades, p.gradesErr
}

func (p *fakePeriod) Averages() ([]RawAverage, error) { return p.averages, nil }

func (p *fakePeriod) OverallAverage() (*string, error) { return p.overall, nil }

func (p *fakePeriod) Absences() ([]RawAbsence, error) { return p.absences, nil }

func (p *fakePeriod) Delays() ([]RawDelay, error) { return p.delays, nil }

func (p *fakePeriod) Punishments() ([]RawPunishment, error) { return p.punishments, nil }

func (p *fakePeriod) Evaluations() ([]RawEvaluation, error) { return p.evaluations, nil }

type fakeSession struct {
	child    RawChild
	childErr error

	lessonsByDay    map[string][]RawLesson
	lessonsErrByDay map[string]error
	lessonsErr      error
	rangeFn         func(start, end time.Time) ([]RawLesson, error)

	homework       []RawHomework
	homeworkErr    error
	information    []RawInformation
	informationErr error
	menus          []RawMenu
	menusErr       error

	periods    []Period
	periodsErr error
	current    Period
	currentErr error

	exported  ExportedCredentials
	exportErr error
	ical      string
	icalErr   error
	checkErr  error

	dayCalls       []time.Time
	rangeCalls     int
	forgetPINCalls int
}

func (s *fakeSession) Child() (RawChild, error) { return s.child, s.childErr }

func (s *fakeSession) SelectChild(name string) error { return nil }

func (s *fakeSession) Lessons(day time.Time) ([]RawLesson, error) {
	s.dayCalls = append(s.dayCalls, day)
	key := timeutil.FormatDateStr(day)
	if err, ok := s.lessonsErrByDay[key]; ok {
		return nil, err
	}
	if s.lessonsErr != nil {
		return nil, s.lessonsErr
	}
	return s.lessonsByDay[key], nil
}

func (s *fakeSession) LessonsRange(start, end time.Time) ([]RawLesson, error) {
	s.rangeCalls++
	if s.rangeFn != nil {
		return s.rangeFn(start, end)
	}
	return nil, nil
}

func (s *fakeSession) Homework(start, end time.Time) ([]RawHomework, error) {
	return s.homework, s.homeworkErr
}

func (s *fakeSession) InformationAndSurveys(since time.Time) ([]RawInformation, error) {
	return s.information, s.informationErr
}

func (s *fakeSession) Menus(start, end time.Time) ([]RawMenu, error) {
	return s.menus, s.menusErr
}

func (s *fakeSession) Periods() ([]Period, error) { return s.periods, s.periodsErr }

func (s *fakeSession) CurrentPeriod() (Period, error) { return s.current, s.currentErr }

func (s *fakeSession) ExportICal() (string, error) { return s.ical, s.icalErr }

func (s *fakeSession) Check() error { return s.checkErr }

func (s *fakeSession) ExportCredentials() (ExportedCredentials, error) {
	return s.exported, s.exportErr
}

func (s *fakeSession) ForgetPIN() { s.forgetPINCalls++ }

type fakeDialer struct {
	passwordFn func(PasswordLogin) (Session, error)
	tokenFn    func(TokenLogin) (Session, error)
	qrFn       func(QRCodeExchange) (Session, error)

	passwordCalls int
	tokenCalls    int
	qrCalls       int
}

func (d *fakeDialer) LoginWithPassword(ctx context.Context, login PasswordLogin) (Session, error) {
	d.passwordCalls++
	return d.passwordFn(login)
}

func (d *fakeDialer) LoginWithToken(ctx context.Context, login TokenLogin) (Session, error) {
	d.tokenCalls++
	return d.tokenFn(login)
}

func (d *fakeDialer) ExchangeQRCode(ctx context.Context, exchange QRCodeExchange) (Session, error) {
	d.qrCalls++
	return d.qrFn(exchange)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

var testToday = timeutil.Date(2026, time.March, 2) // a Monday

func rawLessonAt(day time.Time, hour int, subject string) RawLesson {
	start := day.Add(time.Duration(hour) * time.Hour)
	end := start.Add(time.Hour)
	return RawLesson{
		Subject: ptr(subject),
		Start:   ptr(start),
		End:     ptr(end),
	}
}

func newTestClient(t *testing.T, session *fakeSession) *Client {
	t.Helper()
	dialer := &fakeDialer{
		passwordFn: func(PasswordLogin) (Session, error) { return session, nil },
	}
	client := NewClient(Config{
		Dialer:      dialer,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})
	err := client.Authenticate(context.Background(), AuthConfig{
		Scheme:   portal.SchemeUsernamePassword,
		URL:      "https://demo.index-education.net/pronote/",
		Username: "student",
		Password: "secret",
	})
	require.NoError(t, err)
	return client
}

func baseOptions() FetchOptions {
	return FetchOptions{Today: testToday, LessonDays: 3, NextDayLimit: 10}
}

// ══════════════════════════════════════════════════════════════════════════════
// TESTS
// ══════════════════════════════════════════════════════════════════════════════

func TestFetchSnapshot_FailedFieldIsNilOthersSurvive(t *testing.T) {
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont", Class: ptr("3A")},
		lessonsByDay: map[string][]RawLesson{
			timeutil.FormatDateStr(testToday): {rawLessonAt(testToday, 9, "Maths")},
		},
		menusErr: ErrDialNetwork,
		homework: []RawHomework{{
			Subject: ptr("Maths"),
			Date:    ptr(testToday.AddDate(0, 0, 1)),
		}},
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)

	assert.Nil(t, snapshot.Menus, "failed field must stay nil")
	assert.Len(t, snapshot.LessonsToday, 1)
	assert.Len(t, snapshot.Homework, 1)
	assert.Equal(t, "Jean Dupont", snapshot.ChildInfo.Name)
}

func TestFetchSnapshot_SessionExpiryAbortsWholeFetch(t *testing.T) {
	session := &fakeSession{
		child:      RawChild{Name: "Jean Dupont"},
		lessonsErr: ErrSessionExpired,
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.Error(t, err)
	assert.Nil(t, snapshot)
	assert.True(t, shared.IsAuthentication(err))
	assert.False(t, client.IsAuthenticated(context.Background()),
		"session must be dropped after expiry")
}

func TestFetchSnapshot_RateLimitAbortsWithAdvertisedDelay(t *testing.T) {
	session := &fakeSession{
		child:       RawChild{Name: "Jean Dupont"},
		homeworkErr: shared.NewRateLimitError("Homework", 90*time.Second, "throttled"),
	}
	client := newTestClient(t, session)

	_, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.Error(t, err)
	assert.True(t, shared.IsRateLimit(err))
	assert.Equal(t, 90*time.Second, shared.RetryAfterOf(err))
}

func TestFetchSnapshot_RequiresSession(t *testing.T) {
	client := NewClient(Config{
		Dialer:      &fakeDialer{},
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})

	_, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotAuthenticated)
}

func TestLessonsWindow_FirstNonEmptyWindowWins(t *testing.T) {
	winning := rawLessonAt(testToday.AddDate(0, 0, 1), 10, "Histoire")
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont"},
		rangeFn: func(start, end time.Time) ([]RawLesson, error) {
			days := timeutil.DaysBetween(start, end)
			switch {
			case days >= 5:
				return nil, ErrDialNetwork
			case days >= 3:
				return nil, nil
			default:
				return []RawLesson{winning}, nil
			}
		},
	}
	client := newTestClient(t, session)

	opts := baseOptions()
	opts.LessonDays = 6
	snapshot, err := client.FetchSnapshot(context.Background(), opts)
	require.NoError(t, err)

	require.Len(t, snapshot.LessonsPeriod, 1)
	assert.Equal(t, "Histoire", snapshot.LessonsPeriod[0].Subject)
	// 6 and 5 day windows error, 4 and 3 come back empty, 2 answers.
	assert.Equal(t, 5, session.rangeCalls)
}

func TestLessonsWindow_AllWindowsEmptyYieldsEmptySlice(t *testing.T) {
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		rangeFn: func(start, end time.Time) ([]RawLesson, error) { return nil, nil },
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)
	assert.NotNil(t, snapshot.LessonsPeriod)
	assert.Empty(t, snapshot.LessonsPeriod)
}

func TestNextSchoolDay_ReusesTomorrowWhenNonEmpty(t *testing.T) {
	tomorrow := testToday.AddDate(0, 0, 1)
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont"},
		lessonsByDay: map[string][]RawLesson{
			timeutil.FormatDateStr(tomorrow): {rawLessonAt(tomorrow, 8, "Anglais")},
		},
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)

	require.Len(t, snapshot.LessonsNextDay, 1)
	assert.Equal(t, "Anglais", snapshot.LessonsNextDay[0].Subject)
	// Only today and tomorrow were fetched day by day, no scan happened.
	assert.Len(t, session.dayCalls, 2)
}

func TestNextSchoolDay_ScansPastEmptyDays(t *testing.T) {
	target := testToday.AddDate(0, 0, 4)
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont"},
		lessonsByDay: map[string][]RawLesson{
			timeutil.FormatDateStr(target): {rawLessonAt(target, 8, "Physique")},
		},
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)

	require.Len(t, snapshot.LessonsNextDay, 1)
	assert.Equal(t, "Physique", snapshot.LessonsNextDay[0].Subject)
}

func TestNextSchoolDay_EmptyAfterScanLimit(t *testing.T) {
	session := &fakeSession{child: RawChild{Name: "Jean Dupont"}}
	client := newTestClient(t, session)

	opts := baseOptions()
	opts.NextDayLimit = 5
	snapshot, err := client.FetchSnapshot(context.Background(), opts)
	require.NoError(t, err)

	assert.NotNil(t, snapshot.LessonsNextDay)
	assert.Empty(t, snapshot.LessonsNextDay)
}

func newPeriodFixture() (current *fakePeriod, previous *fakePeriod, periods []Period) {
	current = &fakePeriod{
		info: RawPeriod{
			ID:    "p2",
			Name:  "Trimestre 2",
			Start: timeutil.Date(2025, time.December, 1),
			End:   timeutil.Date(2026, time.March, 15),
		},
		grades:  []RawGrade{{Date: ptr(testToday), Subject: ptr("Maths"), Grade: ptr("15"), OutOf: ptr("20")}},
		overall: ptr("14,5"),
	}
	previous = &fakePeriod{
		info: RawPeriod{
			ID:    "p1",
			Name:  "Trimestre 1",
			Start: timeutil.Date(2025, time.September, 1),
			End:   timeutil.Date(2025, time.November, 30),
		},
		grades: []RawGrade{{Date: ptr(timeutil.Date(2025, time.October, 10)), Subject: ptr("Maths"), Grade: ptr("12"), OutOf: ptr("20")}},
	}
	return current, previous, []Period{previous, current}
}

func TestFetchSnapshot_PreviousPeriodsOfSameFamily(t *testing.T) {
	current, previous, periods := newPeriodFixture()
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		periods: periods,
		current: current,
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)

	require.NotNil(t, snapshot.CurrentPeriod)
	assert.Equal(t, portal.PeriodKey("trimestre_2"), snapshot.CurrentPeriodKey)
	require.Len(t, snapshot.PreviousPeriods, 1)
	assert.Equal(t, "Trimestre 1", snapshot.PreviousPeriods[0].Name)

	require.Contains(t, snapshot.PreviousPeriodData, portal.PeriodKey("trimestre_1"))
	assert.Len(t, snapshot.PreviousPeriodData["trimestre_1"].Grades, 1)
	assert.Equal(t, 1, previous.gradesCalls)

	require.NotNil(t, snapshot.OverallAverage)
	require.NotNil(t, snapshot.OverallAverage.Value)
	assert.InDelta(t, 14.5, *snapshot.OverallAverage.Value, 0.001)
}

func TestFetchSnapshot_ActivePeriodsArePreviousPlusCurrent(t *testing.T) {
	current, _, periods := newPeriodFixture()
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		periods: periods,
		current: current,
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)

	names := make([]string, 0, len(snapshot.ActivePeriods))
	for _, p := range snapshot.ActivePeriods {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Trimestre 1", "Trimestre 2"}, names,
		"closed periods of the family stay active alongside the current one")
}

func TestFetchSnapshot_PeriodCacheSkipsHistoricalCalls(t *testing.T) {
	current, previous, periods := newPeriodFixture()
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		periods: periods,
		current: current,
	}
	client := newTestClient(t, session)

	cached := map[portal.PeriodKey]portal.PeriodData{
		"trimestre_1": {Grades: []portal.Grade{{Subject: "Maths", Grade: "12"}}},
	}
	opts := baseOptions()
	opts.PeriodCache = cached

	snapshot, err := client.FetchSnapshot(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, cached, snapshot.PreviousPeriodData)
	assert.Zero(t, previous.gradesCalls, "cache hit must not refetch history")
	assert.Equal(t, 1, current.gradesCalls, "current period is always live")
}

func TestFetchSnapshot_IncludeAllPeriodsLiftsStartRestriction(t *testing.T) {
	current, _, periods := newPeriodFixture()
	future := &fakePeriod{
		info: RawPeriod{
			ID:    "p3",
			Name:  "Trimestre 3",
			Start: timeutil.Date(2026, time.March, 16),
			End:   timeutil.Date(2026, time.June, 30),
		},
	}
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		periods: append(periods, future),
		current: current,
	}
	client := newTestClient(t, session)

	opts := baseOptions()
	opts.IncludeAllPeriods = true
	snapshot, err := client.FetchSnapshot(context.Background(), opts)
	require.NoError(t, err)

	assert.Len(t, snapshot.PreviousPeriods, 2)
	assert.Contains(t, snapshot.PreviousPeriodData, portal.PeriodKey("trimestre_1"))
	assert.Contains(t, snapshot.PreviousPeriodData, portal.PeriodKey("trimestre_3"))
}

func TestFetchSnapshot_UnsupportedFamilySkipsHistory(t *testing.T) {
	annual := &fakePeriod{
		info: RawPeriod{
			ID:    "y1",
			Name:  "Année",
			Start: timeutil.Date(2025, time.September, 1),
			End:   timeutil.Date(2026, time.June, 30),
		},
	}
	session := &fakeSession{
		child:   RawChild{Name: "Jean Dupont"},
		periods: []Period{annual},
		current: annual,
	}
	client := newTestClient(t, session)

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)
	assert.Empty(t, snapshot.PreviousPeriods)
	assert.Nil(t, snapshot.PreviousPeriodData)
	require.Len(t, snapshot.ActivePeriods, 1)
	assert.Equal(t, "Année", snapshot.ActivePeriods[0].Name)
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	// A throttle aborts the fetch but keeps the session, so failures pile
	// up on the breaker across cycles.
	session := &fakeSession{
		child:    RawChild{Name: "Jean Dupont"},
		childErr: shared.WrapPortalError("Child", shared.ErrRateLimit, "throttled", nil),
	}
	dialer := &fakeDialer{
		passwordFn: func(PasswordLogin) (Session, error) { return session, nil },
	}
	breaker := circuitbreaker.New("test", circuitbreaker.WithFailureThreshold(2))
	client := NewClient(Config{
		Dialer:      dialer,
		Breaker:     breaker,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})
	require.NoError(t, client.Authenticate(context.Background(), AuthConfig{
		Scheme: portal.SchemeUsernamePassword,
	}))

	for i := 0; i < 2; i++ {
		_, err := client.FetchSnapshot(context.Background(), baseOptions())
		require.Error(t, err)
	}
	require.True(t, breaker.IsOpen())

	_, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.Error(t, err)
	assert.True(t, shared.IsCircuitOpen(err))
}

func TestAuthenticate_PasswordRetriesTransientFailures(t *testing.T) {
	session := &fakeSession{child: RawChild{Name: "Jean Dupont"}}
	attempts := 0
	dialer := &fakeDialer{
		passwordFn: func(PasswordLogin) (Session, error) {
			attempts++
			if attempts < 2 {
				return nil, ErrDialNetwork
			}
			return session, nil
		},
	}
	client := NewClient(Config{
		Dialer:      dialer,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})

	err := client.Authenticate(context.Background(), AuthConfig{
		Scheme:   portal.SchemeUsernamePassword,
		Username: "student",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestAuthenticate_BadPasswordNotRetried(t *testing.T) {
	dialer := &fakeDialer{
		passwordFn: func(PasswordLogin) (Session, error) {
			return nil, ErrDialENT
		},
	}
	client := NewClient(Config{
		Dialer:      dialer,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})

	err := client.Authenticate(context.Background(), AuthConfig{
		Scheme: portal.SchemeUsernamePassword,
	})
	require.Error(t, err)
	assert.True(t, shared.IsAuthentication(err))
	assert.Equal(t, 1, dialer.passwordCalls)
}

func TestAuthenticate_TokenLoginRotatesCredentials(t *testing.T) {
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont"},
		exported: ExportedCredentials{
			URL:      "https://demo.index-education.net/pronote/eleve.html",
			Username: "student",
			Token:    "rotated-token",
			UUID:     "device-uuid",
		},
	}
	dialer := &fakeDialer{
		tokenFn: func(login TokenLogin) (Session, error) {
			assert.Equal(t, "previous-token", login.Token)
			return session, nil
		},
	}
	client := NewClient(Config{
		Dialer:      dialer,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})

	err := client.Authenticate(context.Background(), AuthConfig{
		Scheme:   portal.SchemeQRCode,
		URL:      "https://demo.index-education.net/pronote/eleve.html",
		Username: "student",
		Password: "previous-token",
		UUID:     "device-uuid",
	})
	require.NoError(t, err)

	creds := client.Credentials()
	require.NotNil(t, creds)
	assert.Equal(t, "rotated-token", creds.Password)
	assert.Equal(t, 1, dialer.tokenCalls)
}

func TestFetchSnapshot_AttachesRotatedCredentials(t *testing.T) {
	session := &fakeSession{
		child: RawChild{Name: "Jean Dupont"},
		exported: ExportedCredentials{
			Username: "student",
			Token:    "rotated-token",
			UUID:     "device-uuid",
		},
	}
	dialer := &fakeDialer{
		tokenFn: func(TokenLogin) (Session, error) { return session, nil },
	}
	client := NewClient(Config{
		Dialer:      dialer,
		RateLimiter: RateLimiterConfig{MinInterval: time.Nanosecond},
	})
	require.NoError(t, client.Authenticate(context.Background(), AuthConfig{
		Scheme:   portal.SchemeQRCode,
		Username: "student",
		Password: "previous-token",
		UUID:     "device-uuid",
	}))

	snapshot, err := client.FetchSnapshot(context.Background(), baseOptions())
	require.NoError(t, err)
	require.NotNil(t, snapshot.Credentials)
	assert.Equal(t, "rotated-token", snapshot.Credentials.Password)
}
