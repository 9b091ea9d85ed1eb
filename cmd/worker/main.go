// Package main is the entry point of the pronote-sync worker.
//
// The worker owns one child's portal account: it authenticates, fetches a
// snapshot on a fixed interval, diffs it against the previous cycle, and
// publishes new-item events on the in-process bus. PostgreSQL keeps the
// rotated token credentials and the sync run history; Redis mirrors the
// latest snapshot for out-of-process consumers. Both stores are optional.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pronote-hub/pronote-sync/config"
	"github.com/pronote-hub/pronote-sync/internal/application/sync"
	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/external/pronote"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/messaging"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/persistence/postgres"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/persistence/redis"
	"github.com/pronote-hub/pronote-sync/internal/infrastructure/scheduler"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting pronote-sync worker",
		"env", string(cfg.App.Environment),
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. POSTGRESQL (optional: credential store + sync run history)
	// ─────────────────────────────────────────────────────────────────────────
	var credStore *postgres.CredentialStore
	var runStore *postgres.SyncRunStore

	if !cfg.Database.Disabled {
		log.Info("connecting to database")
		conn, err := postgres.NewConnection(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer conn.Close()

		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		sealer, err := postgres.NewSealer(cfg.Database.SealingKey)
		if err != nil {
			return fmt.Errorf("invalid sealing key: %w", err)
		}
		credStore = postgres.NewCredentialStore(conn, sealer)
		runStore = postgres.NewSyncRunStore(conn)
		log.Info("database ready")
	} else {
		log.Warn("database disabled, rotated tokens will not survive a restart")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (optional: snapshot mirror + period day cache)
	// ─────────────────────────────────────────────────────────────────────────
	var mirror *redis.SnapshotMirror

	if !cfg.Redis.Disabled {
		log.Info("connecting to redis")
		cache, err := openRedis(ctx, cfg)
		if err != nil {
			log.Warn("redis unavailable, snapshot mirroring disabled", "error", err)
		} else {
			defer cache.Close()
			mirror = redis.NewSnapshotMirror(cache)
			log.Info("redis ready")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. PORTAL CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	dialer, err := pronote.OpenDialer()
	if err != nil {
		return fmt.Errorf("portal protocol driver: %w", err)
	}

	client := pronote.NewClient(pronote.Config{
		Dialer:      dialer,
		CallTimeout: cfg.Portal.CallTimeout,
		RateLimiter: pronote.RateLimiterConfig{MinInterval: cfg.Portal.MinRequestInterval},
		Logger:      log,
	})

	authCfg, err := buildAuthConfig(ctx, cfg, client, credStore, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{Logger: log})
	defer func() {
		_ = bus.Close()
	}()

	registerEventLogger(bus, log)
	if runStore != nil {
		registerSyncRunRecorder(ctx, bus, runStore, log)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. COORDINATOR + SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	coordinator := sync.NewCoordinator(sync.Config{
		Client:      client,
		Bus:         bus,
		Auth:        authCfg,
		Credentials: credStore,
		Mirror:      mirror,
		Fetch: pronote.FetchOptions{
			LessonDays:        cfg.Portal.LessonDays,
			HomeworkDays:      cfg.Portal.HomeworkDays,
			AnnouncementDays:  cfg.Portal.AnnouncementDays,
			MenuDays:          cfg.Portal.MenuDays,
			NextDayLimit:      cfg.Portal.NextDayLimit,
			IncludeAllPeriods: cfg.Portal.IncludeAllPeriods,
		},
		AlarmOffset: cfg.Portal.AlarmOffset,
		Logger:      log,
	})

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler disabled, running a single refresh cycle")
		return coordinator.Refresh(ctx)
	}

	sched := scheduler.New(scheduler.Config{
		Logger:     log,
		Timezone:   cfg.App.Location,
		JobTimeout: cfg.Scheduler.JobTimeout,
	})

	refreshSchedule := scheduler.NewIntervalSchedule(cfg.Scheduler.RefreshInterval)
	if err := sched.Register(sync.NewRefreshJob(coordinator), refreshSchedule); err != nil {
		return fmt.Errorf("failed to register refresh job: %w", err)
	}
	if runStore != nil {
		pruneSchedule := scheduler.NewIntervalSchedule(cfg.Scheduler.PruneInterval)
		job := &pruneJob{store: runStore, retention: cfg.Database.SyncRunRetention, logger: log}
		if err := sched.Register(job, pruneSchedule); err != nil {
			return fmt.Errorf("failed to register prune job: %w", err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// First cycle runs immediately so the worker is useful before the first
	// interval elapses.
	if _, err := sched.RunNow(ctx, "portal_refresh"); err != nil {
		log.Warn("initial refresh could not be started", "error", err)
	}

	log.Info("pronote-sync worker is running",
		"refresh_interval", cfg.Scheduler.RefreshInterval.String())

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	log.Info("stopping scheduler", "timeout", cfg.App.ShutdownTimeout.String())
	if err := sched.Stop(); err != nil && !errors.Is(err, scheduler.ErrSchedulerNotRunning) {
		log.Error("scheduler stop failed", "error", err)
	}

	log.Info("shutdown completed")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRING HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// buildAuthConfig assembles the login configuration. Under the qrcode scheme
// the rotating token is loaded from the credential store when present;
// otherwise a fresh QR provisioning runs once at startup and its result is
// persisted before any cycle begins.
func buildAuthConfig(ctx context.Context, cfg *config.Config, client *pronote.Client, credStore *postgres.CredentialStore, log *slog.Logger) (pronote.AuthConfig, error) {
	authCfg := pronote.AuthConfig{
		Scheme:           portal.ConnectionScheme(cfg.Portal.Scheme),
		AccountType:      portal.AccountType(cfg.Portal.AccountType),
		URL:              cfg.Portal.URL,
		Username:         cfg.Portal.Username,
		Password:         cfg.Portal.Password,
		UUID:             cfg.Portal.UUID,
		ENT:              cfg.Portal.ENT,
		Child:            cfg.Portal.Child,
		DeviceName:       cfg.Portal.DeviceName,
		ClientIdentifier: cfg.Portal.ClientIdentifier,
	}
	if authCfg.Scheme != portal.SchemeQRCode {
		return authCfg, nil
	}

	slug := childSlug(cfg)

	if credStore != nil {
		stored, err := credStore.Load(ctx, slug)
		if err != nil && !postgres.IsNoRows(err) {
			return authCfg, fmt.Errorf("failed to load stored credentials: %w", err)
		}
		if stored != nil {
			log.Info("using stored token credentials", "child", slug)
			authCfg.URL = stored.URL
			authCfg.Username = stored.Username
			authCfg.Password = stored.Password
			authCfg.UUID = stored.UUID
			authCfg.ClientIdentifier = stored.ClientIdentifier
			return authCfg, nil
		}
	}

	if authCfg.UUID != "" && authCfg.Password != "" {
		// Token material supplied directly through the environment.
		return authCfg, nil
	}

	if cfg.Portal.QRPayload == "" || cfg.Portal.QRPin == "" {
		return authCfg, errors.New("no stored credentials and no QR payload to provision from")
	}

	log.Info("provisioning initial token from QR payload", "child", slug)
	creds, err := client.ProvisionQRCode(ctx, authCfg, pronote.QRProvision{
		PayloadJSON: cfg.Portal.QRPayload,
		PIN:         cfg.Portal.QRPin,
	})
	if err != nil {
		return authCfg, fmt.Errorf("QR provisioning failed: %w", err)
	}

	if credStore != nil {
		if err := credStore.Save(ctx, slug, *creds); err != nil {
			return authCfg, fmt.Errorf("failed to persist provisioned credentials: %w", err)
		}
	}

	authCfg.URL = creds.URL
	authCfg.Username = creds.Username
	authCfg.Password = creds.Password
	authCfg.UUID = creds.UUID
	authCfg.ClientIdentifier = creds.ClientIdentifier
	return authCfg, nil
}

func childSlug(cfg *config.Config) string {
	name := cfg.Portal.Child
	if name == "" {
		name = cfg.Portal.Username
	}
	return portal.SlugifyChildName(name)
}

// registerEventLogger logs every published event. This is the default
// consumer; notification transports subscribe the same way.
func registerEventLogger(bus *messaging.InMemoryEventBus, log *slog.Logger) {
	_ = bus.SubscribeAll(func(event shared.Event) error {
		log.Info("event published",
			"type", string(event.EventType()),
			"child", event.AggregateID(),
			"payload", event.Payload())
		return nil
	})
}

// registerSyncRunRecorder persists cycle outcomes to the sync run history.
func registerSyncRunRecorder(ctx context.Context, bus *messaging.InMemoryEventBus, store *postgres.SyncRunStore, log *slog.Logger) {
	_ = bus.Subscribe(shared.EventSyncCompleted, func(event shared.Event) error {
		completed, ok := event.(shared.SyncCompletedEvent)
		if !ok {
			return nil
		}
		return store.Record(ctx, postgres.SyncRun{
			ChildSlug: event.AggregateID(),
			StartedAt: event.OccurredAt().Add(-completed.Duration),
			Duration:  completed.Duration,
			Success:   true,
			NewItems:  completed.NewItems,
		})
	})
	_ = bus.Subscribe(shared.EventSyncFailed, func(event shared.Event) error {
		failed, ok := event.(shared.SyncFailedEvent)
		if !ok {
			return nil
		}
		return store.Record(ctx, postgres.SyncRun{
			ChildSlug: event.AggregateID(),
			StartedAt: event.OccurredAt(),
			Success:   false,
			Stage:     failed.Stage,
			Error:     failed.Reason,
		})
	})
	log.Debug("sync run recorder registered")
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Cache, error) {
	if cfg.Redis.URL != "" {
		return redis.NewCacheFromURL(ctx, cfg.Redis.URL)
	}
	return redis.NewCache(ctx, redis.Config{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// JOBS
// ══════════════════════════════════════════════════════════════════════════════

// pruneJob trims the sync run history down to the retention window.
type pruneJob struct {
	store     *postgres.SyncRunStore
	retention time.Duration
	logger    *slog.Logger
}

func (j *pruneJob) Name() string {
	return "sync_run_prune"
}

func (j *pruneJob) Description() string {
	return "Deletes sync run records older than the retention window"
}

func (j *pruneJob) Run(ctx context.Context) error {
	deleted, err := j.store.Prune(ctx, j.retention)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.logger.Info("pruned sync run history", "deleted", deleted)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger configures structured logging per the observability settings.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Observability.LogLevel),
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" || cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
