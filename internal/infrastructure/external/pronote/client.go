package pronote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/pkg/circuitbreaker"
	"github.com/pronote-hub/pronote-sync/pkg/retry"
	"github.com/pronote-hub/pronote-sync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT - Resilient portal fetch client
// ══════════════════════════════════════════════════════════════════════════════

// Default fetch horizons, in days.
const (
	DefaultLessonDays       = 15
	DefaultHomeworkDays     = 15
	DefaultAnnouncementDays = 7
	DefaultMenuDays         = 7

	// DefaultNextDayLimit bounds the next-school-day scan so holiday gaps
	// cannot turn into an unbounded walk through the calendar.
	DefaultNextDayLimit = 30

	// DefaultCallTimeout bounds every dispatched portal call.
	DefaultCallTimeout = 30 * time.Second
)

// Config configures the portal client.
type Config struct {
	// Dialer opens sessions. Required.
	Dialer Dialer

	// CallTimeout bounds each dispatched portal call. Defaults to
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// Breaker guards all portal traffic. A default breaker is created when
	// nil.
	Breaker *circuitbreaker.Breaker

	// RateLimiter paces portal traffic. Defaults apply when zero.
	RateLimiter RateLimiterConfig

	Logger *slog.Logger
}

// Client is the single entry point for portal traffic. All calls pass
// through the circuit breaker and the rate limiter; blocking upstream work
// is dispatched with a deadline so a hung portal call can never stall a
// refresh cycle indefinitely.
type Client struct {
	config  Config
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	limiter *RateLimiter
	auth    *Authenticator
	retrier *retry.Retrier

	mu      sync.Mutex
	session Session
	creds   *portal.Credentials
}

// NewClient creates a Client. The zero values of Config are filled with
// defaults; only Dialer is required.
func NewClient(config Config) *Client {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pronote_client"))

	breaker := config.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New("pronote")
	}
	limiterCfg := config.RateLimiter
	if limiterCfg.MinInterval <= 0 {
		limiterCfg = DefaultRateLimiterConfig()
	}

	return &Client{
		config:  config,
		logger:  logger,
		breaker: breaker,
		limiter: NewRateLimiter(limiterCfg),
		auth:    NewAuthenticator(config.Dialer, logger),
		retrier: retry.PortalRetrier(),
	}
}

// FetchOptions parameterizes one snapshot fetch. Zero values are replaced
// with defaults.
type FetchOptions struct {
	// Today anchors all relative date math. Defaults to the current day in
	// the portal timezone.
	Today time.Time

	LessonDays       int
	HomeworkDays     int
	AnnouncementDays int
	MenuDays         int

	// NextDayLimit bounds the scan for the next school day.
	NextDayLimit int

	// PeriodCache holds previous-period records fetched earlier today. When
	// non-nil it is reused verbatim and no historical period call is made.
	PeriodCache map[portal.PeriodKey]portal.PeriodData

	// IncludeAllPeriods lifts the start-before-current restriction and
	// enriches every period of the current family.
	IncludeAllPeriods bool
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.Today.IsZero() {
		o.Today = timeutil.StartOfDay(timeutil.Now())
	}
	if o.LessonDays <= 0 {
		o.LessonDays = DefaultLessonDays
	}
	if o.HomeworkDays <= 0 {
		o.HomeworkDays = DefaultHomeworkDays
	}
	if o.AnnouncementDays <= 0 {
		o.AnnouncementDays = DefaultAnnouncementDays
	}
	if o.MenuDays <= 0 {
		o.MenuDays = DefaultMenuDays
	}
	if o.NextDayLimit <= 0 {
		o.NextDayLimit = DefaultNextDayLimit
	}
	return o
}

// Authenticate opens a session with the given configuration. Password logins
// are retried on transient network failures; token logins are attempted once
// because every attempt rotates server-side state.
func (c *Client) Authenticate(ctx context.Context, cfg AuthConfig) error {
	const op = "Authenticate"

	if err := c.gate(ctx, op); err != nil {
		return err
	}

	session, creds, err := dispatch2(ctx, c.config.CallTimeout, func(ctx context.Context) (Session, *portal.Credentials, error) {
		if cfg.Scheme == portal.SchemeQRCode {
			return c.auth.Authenticate(ctx, cfg)
		}
		var s Session
		retryErr := c.retrier.Do(ctx, func(ctx context.Context) error {
			var loginErr error
			s, _, loginErr = c.auth.Authenticate(ctx, cfg)
			if loginErr != nil && !shared.IsConnection(loginErr) {
				return retry.Permanent(loginErr)
			}
			return loginErr
		})
		return s, nil, retryErr
	})
	if err != nil {
		err = c.mapTimeout(op, err)
		c.recordFailure(op, err)
		return err
	}

	c.mu.Lock()
	c.session = session
	if creds != nil {
		c.creds = creds
	}
	c.mu.Unlock()

	c.breaker.RecordSuccess()
	c.logger.Info("authenticated against portal",
		slog.String("scheme", string(cfg.Scheme)))
	return nil
}

// ProvisionQRCode performs the one-time QR exchange and stores the resulting
// session and rotating credentials. It is never retried.
func (c *Client) ProvisionQRCode(ctx context.Context, cfg AuthConfig, provision QRProvision) (*portal.Credentials, error) {
	const op = "ProvisionQRCode"

	if err := c.gate(ctx, op); err != nil {
		return nil, err
	}

	session, creds, err := dispatch2(ctx, c.config.CallTimeout, func(ctx context.Context) (Session, *portal.Credentials, error) {
		return c.auth.ProvisionQRCode(ctx, cfg, provision)
	})
	if err != nil {
		err = c.mapTimeout(op, err)
		c.recordFailure(op, err)
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.creds = creds
	c.mu.Unlock()

	c.breaker.RecordSuccess()
	return creds, nil
}

// IsAuthenticated reports whether a session is held and still accepted by
// the portal. The liveness check is best effort: a failed check counts as
// expired, never as an error.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return false
	}

	_, err := dispatch(ctx, c.config.CallTimeout, func(context.Context) (struct{}, error) {
		return struct{}{}, session.Check()
	})
	if err != nil {
		c.logger.Debug("session check failed, treating session as expired",
			slog.Any("error", err))
		return false
	}
	return true
}

// InvalidateSession drops the held session so the next cycle authenticates
// from scratch.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// Credentials returns the most recently rotated credentials, or nil when no
// token login happened yet.
func (c *Client) Credentials() *portal.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return nil
	}
	creds := *c.creds
	return &creds
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// FetchSnapshot fetches one complete snapshot. Individual record families
// are best effort: a failed family is left nil and the rest of the snapshot
// still comes back. Only authentication, session expiry, and rate limiting
// abort the whole fetch.
func (c *Client) FetchSnapshot(ctx context.Context, opts FetchOptions) (*portal.Snapshot, error) {
	const op = "FetchSnapshot"

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil, shared.NewPortalError(op, shared.ErrNotAuthenticated, "no active session")
	}

	if err := c.gate(ctx, op); err != nil {
		return nil, err
	}

	opts = opts.withDefaults()
	snapshot, err := dispatch(ctx, c.config.CallTimeout, func(context.Context) (*portal.Snapshot, error) {
		return c.fetchAll(session, opts)
	})
	if err != nil {
		err = c.mapTimeout(op, err)
		c.recordFailure(op, err)
		if shared.IsAuthentication(err) {
			c.InvalidateSession()
		}
		return nil, err
	}

	c.breaker.RecordSuccess()
	return snapshot, nil
}

// gate applies the circuit breaker and the rate limiter before any portal
// traffic. The breaker rejects without waiting; the limiter may sleep.
func (c *Client) gate(ctx context.Context, op string) error {
	if c.breaker.IsOpen() {
		return shared.NewPortalError(op, shared.ErrCircuitOpen,
			fmt.Sprintf("circuit breaker open after %d consecutive failures", c.breaker.FailureCount()))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Client) recordFailure(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	c.breaker.RecordFailure()
	if retryAfter := shared.RetryAfterOf(err); retryAfter > 0 {
		c.limiter.RecordRetryAfter(retryAfter)
	}
	c.logger.Warn("portal call failed",
		slog.String("op", op),
		slog.Int("consecutive_failures", c.breaker.FailureCount()),
		slog.Any("error", err))
}

// mapTimeout turns a dispatch deadline into a connection-class failure.
func (c *Client) mapTimeout(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapPortalError(op, shared.ErrConnection,
			fmt.Sprintf("portal call exceeded %s", c.config.CallTimeout), err)
	}
	return err
}

// ══════════════════════════════════════════════════════════════════════════════
// FETCH PIPELINE
// ══════════════════════════════════════════════════════════════════════════════

// fetchAll assembles a snapshot field by field. It runs inside a dispatch
// deadline and pauses between upstream calls through the rate limiter.
func (c *Client) fetchAll(session Session, opts FetchOptions) (*portal.Snapshot, error) {
	const op = "FetchSnapshot"
	today := opts.Today

	snapshot := &portal.Snapshot{
		FetchedAt: timeutil.Now(),
	}

	child, err := session.Child()
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Warn("child identity unavailable", slog.Any("error", err))
	} else {
		snapshot.ChildInfo = toChildInfo(child)
	}

	// Timetable: today, tomorrow, the next day with lessons, and the
	// shrinking-window lookahead.
	if lessons, err := c.safeLessonsDay(op, session, today); err != nil {
		return nil, err
	} else {
		snapshot.LessonsToday = lessons
	}
	tomorrow := today.AddDate(0, 0, 1)
	if lessons, err := c.safeLessonsDay(op, session, tomorrow); err != nil {
		return nil, err
	} else {
		snapshot.LessonsTomorrow = lessons
	}
	if lessons, err := c.lessonsWindow(op, session, today, opts.LessonDays); err != nil {
		return nil, err
	} else {
		snapshot.LessonsPeriod = lessons
	}
	if lessons, err := c.nextSchoolDay(op, session, today, snapshot.LessonsTomorrow, opts.NextDayLimit); err != nil {
		return nil, err
	} else {
		snapshot.LessonsNextDay = lessons
	}

	// Homework: due today and due across the lookahead horizon.
	if homework, err := c.safeHomework(op, session, today, today); err != nil {
		return nil, err
	} else {
		snapshot.Homework = homework
	}
	if homework, err := c.safeHomework(op, session, today, today.AddDate(0, 0, opts.HomeworkDays)); err != nil {
		return nil, err
	} else {
		snapshot.HomeworkPeriod = homework
	}

	// Announcements and canteen menus.
	if items, err := c.safeInformation(op, session, today.AddDate(0, 0, -opts.AnnouncementDays)); err != nil {
		return nil, err
	} else {
		snapshot.InformationAndSurveys = items
	}
	if menus, err := c.safeMenus(op, session, today, today.AddDate(0, 0, opts.MenuDays)); err != nil {
		return nil, err
	} else {
		snapshot.Menus = menus
	}

	// Grading periods: current period records plus historical enrichment.
	if err := c.fetchPeriods(op, session, snapshot, opts); err != nil {
		return nil, err
	}

	if url, err := session.ExportICal(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Debug("ical export unavailable", slog.Any("error", err))
	} else {
		snapshot.ICalURL = url
	}

	snapshot.Credentials = c.Credentials()
	return snapshot, nil
}

// asFatal returns the classified error when a session failure must abort the
// whole fetch, and nil when the field is simply skipped.
func (c *Client) asFatal(op string, err error) error {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return shared.WrapPortalError(op, shared.ErrAuthentication, "session expired", err)
	case shared.IsAuthentication(err):
		return shared.WrapPortalError(op, shared.ErrAuthentication, "portal rejected session", err)
	case shared.IsRateLimit(err):
		retryAfter := shared.RetryAfterOf(err)
		return shared.NewRateLimitError(op, retryAfter, "portal throttled fetch")
	default:
		return nil
	}
}

func (c *Client) safeLessonsDay(op string, session Session, day time.Time) ([]portal.Lesson, error) {
	raws, err := session.Lessons(day)
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Debug("lessons unavailable",
			slog.String("day", timeutil.FormatDateStr(day)),
			slog.Any("error", err))
		return nil, nil
	}
	return toLessons(raws), nil
}

// lessonsWindow fetches the lookahead timetable with a shrinking window:
// the full horizon first, then one day less per attempt. The first window
// the portal answers with lessons wins. Some instances reject ranges that
// cross into an unpublished week, which is why the window shrinks instead
// of failing.
func (c *Client) lessonsWindow(op string, session Session, today time.Time, maxDays int) ([]portal.Lesson, error) {
	answered := false
	for delta := maxDays; delta >= 1; delta-- {
		raws, err := session.LessonsRange(today, today.AddDate(0, 0, delta))
		if err != nil {
			if fatal := c.asFatal(op, err); fatal != nil {
				return nil, fatal
			}
			c.logger.Debug("lesson window rejected, shrinking",
				slog.Int("days", delta),
				slog.Any("error", err))
			continue
		}
		answered = true
		if len(raws) > 0 {
			return toLessons(raws), nil
		}
	}
	if !answered {
		return nil, nil
	}
	return []portal.Lesson{}, nil
}

// nextSchoolDay resolves the lessons of the next day that has any. Tomorrow
// is reused when it already has lessons; otherwise the calendar is scanned
// one day at a time up to the limit.
func (c *Client) nextSchoolDay(op string, session Session, today time.Time, tomorrow []portal.Lesson, limit int) ([]portal.Lesson, error) {
	if len(tomorrow) > 0 {
		next := make([]portal.Lesson, len(tomorrow))
		copy(next, tomorrow)
		return next, nil
	}

	start := 2
	if tomorrow == nil {
		// Tomorrow could not be fetched at all, so it is still a candidate.
		start = 1
	}
	for delta := start; delta <= limit; delta++ {
		lessons, err := c.safeLessonsDay(op, session, today.AddDate(0, 0, delta))
		if err != nil {
			return nil, err
		}
		if len(lessons) > 0 {
			return lessons, nil
		}
	}
	return []portal.Lesson{}, nil
}

func (c *Client) safeHomework(op string, session Session, start, end time.Time) ([]portal.Homework, error) {
	raws, err := session.Homework(start, end)
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Debug("homework unavailable", slog.Any("error", err))
		return nil, nil
	}
	return toHomeworks(raws), nil
}

func (c *Client) safeInformation(op string, session Session, since time.Time) ([]portal.InformationSurvey, error) {
	raws, err := session.InformationAndSurveys(since)
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Debug("announcements unavailable", slog.Any("error", err))
		return nil, nil
	}
	return toInformationSurveys(raws), nil
}

func (c *Client) safeMenus(op string, session Session, start, end time.Time) ([]portal.Menu, error) {
	raws, err := session.Menus(start, end)
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return nil, fatal
		}
		c.logger.Debug("menus unavailable", slog.Any("error", err))
		return nil, nil
	}
	return toMenus(raws), nil
}

// fetchPeriods fills the grading period fields: the current period's
// records, the list of periods, and the historical records of previous
// periods in the same family.
func (c *Client) fetchPeriods(op string, session Session, snapshot *portal.Snapshot, opts FetchOptions) error {
	current, err := session.CurrentPeriod()
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return fatal
		}
		c.logger.Warn("current period unavailable", slog.Any("error", err))
	}

	if current != nil {
		info := toPeriodInfo(current.Info())
		snapshot.CurrentPeriod = &info
		snapshot.CurrentPeriodKey = info.Key()

		data, err := c.fetchPeriodData(op, current)
		if err != nil {
			return err
		}
		snapshot.Grades = data.Grades
		snapshot.Averages = data.Averages
		snapshot.OverallAverage = data.OverallAverage
		snapshot.Absences = data.Absences
		snapshot.Delays = data.Delays
		snapshot.Punishments = data.Punishments
		snapshot.Evaluations = data.Evaluations
	}

	periods, err := session.Periods()
	if err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return fatal
		}
		c.logger.Debug("period list unavailable", slog.Any("error", err))
		return nil
	}

	infos := make([]portal.PeriodInfo, 0, len(periods))
	for _, p := range periods {
		infos = append(infos, toPeriodInfo(p.Info()))
	}
	snapshot.Periods = infos

	if snapshot.CurrentPeriod == nil {
		return nil
	}

	previousRaw := make([]Period, 0, len(periods))
	if family := snapshot.CurrentPeriod.Family(); portal.SupportedFamily(family) {
		previous := make([]portal.PeriodInfo, 0, len(infos))
		for i, info := range infos {
			if info.Family() != family || info.Key() == snapshot.CurrentPeriodKey {
				continue
			}
			if !opts.IncludeAllPeriods && !info.Start.Before(snapshot.CurrentPeriod.Start) {
				continue
			}
			previous = append(previous, info)
			previousRaw = append(previousRaw, periods[i])
		}
		snapshot.PreviousPeriods = previous
	}

	// Active periods are the qualifying previous periods followed by the
	// current one, so consumers see every period still worth displaying.
	snapshot.ActivePeriods = append(append(
		make([]portal.PeriodInfo, 0, len(snapshot.PreviousPeriods)+1),
		snapshot.PreviousPeriods...), *snapshot.CurrentPeriod)

	if len(snapshot.PreviousPeriods) == 0 {
		return nil
	}

	// Historical records barely change inside a day; reuse the day cache
	// verbatim when the coordinator validated one.
	if opts.PeriodCache != nil {
		snapshot.PreviousPeriodData = opts.PeriodCache
		c.logger.Debug("previous period records reused from day cache",
			slog.Int("periods", len(opts.PeriodCache)))
		return nil
	}

	data := make(map[portal.PeriodKey]portal.PeriodData, len(snapshot.PreviousPeriods))
	for i, info := range snapshot.PreviousPeriods {
		periodData, err := c.fetchPeriodData(op, previousRaw[i])
		if err != nil {
			return err
		}
		data[info.Key()] = periodData
	}
	snapshot.PreviousPeriodData = data
	return nil
}

// fetchPeriodData reads every record family of one period, best effort per
// family.
func (c *Client) fetchPeriodData(op string, period Period) (portal.PeriodData, error) {
	var data portal.PeriodData

	if raws, err := period.Grades(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Grades = toGrades(raws)
	}
	if raws, err := period.Averages(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Averages = toAverages(raws)
	}
	if raw, err := period.OverallAverage(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.OverallAverage = toOverallAverage(raw)
	}
	if raws, err := period.Absences(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Absences = toAbsences(raws)
	}
	if raws, err := period.Delays(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Delays = toDelays(raws)
	}
	if raws, err := period.Punishments(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Punishments = toPunishments(raws)
	}
	if raws, err := period.Evaluations(); err != nil {
		if fatal := c.asFatal(op, err); fatal != nil {
			return data, fatal
		}
	} else {
		data.Evaluations = toEvaluations(raws)
	}
	return data, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCH - Deadline-bounded calls into the blocking session layer
// ══════════════════════════════════════════════════════════════════════════════

// dispatch runs a blocking portal call on its own goroutine and abandons it
// when the deadline passes. The abandoned goroutine finishes into a buffered
// channel and is collected normally.
func dispatch[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		ch <- result{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.value, r.err
	}
}

// dispatch2 is dispatch for calls returning two values.
func dispatch2[A, B any](ctx context.Context, timeout time.Duration, fn func(context.Context) (A, B, error)) (A, B, error) {
	type pair struct {
		a A
		b B
	}
	p, err := dispatch(ctx, timeout, func(ctx context.Context) (pair, error) {
		a, b, err := fn(ctx)
		return pair{a: a, b: b}, err
	})
	return p.a, p.b, err
}
