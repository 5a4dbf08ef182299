package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sydlexius/shopmon/internal/api"
	"github.com/sydlexius/shopmon/internal/auth"
	"github.com/sydlexius/shopmon/internal/backup"
	"github.com/sydlexius/shopmon/internal/catalog"
	"github.com/sydlexius/shopmon/internal/checker"
	"github.com/sydlexius/shopmon/internal/config"
	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/encryption"
	"github.com/sydlexius/shopmon/internal/event"
	"github.com/sydlexius/shopmon/internal/favicon"
	"github.com/sydlexius/shopmon/internal/lock"
	"github.com/sydlexius/shopmon/internal/logging"
	"github.com/sydlexius/shopmon/internal/maintenance"
	"github.com/sydlexius/shopmon/internal/metrics"
	"github.com/sydlexius/shopmon/internal/notification"
	"github.com/sydlexius/shopmon/internal/scrape"
	"github.com/sydlexius/shopmon/internal/shop"
	"github.com/sydlexius/shopmon/internal/snapshot"
	"github.com/sydlexius/shopmon/internal/version"
	"github.com/sydlexius/shopmon/internal/webhook"
)

const usage = `usage: shopmon [command]

commands:
  serve                     run the HTTP API and scrape scheduler (default)
  scrape [shop-id]          scrape all shops, or one shop, and exit
  create-user <email> <name> create a user and print an API token
  backup                    snapshot the database and prune old backups
  maintenance               run housekeeping once and exit
`

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "scrape":
		err = scrapeOnce(args)
	case "create-user":
		err = createUser(args)
	case "backup":
		err = backupOnce()
	case "maintenance":
		err = maintenanceOnce()
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired services shared by all commands.
type app struct {
	cfg        *config.Config
	configPath string
	logManager *logging.Manager
	logger     *slog.Logger
	db         *sql.DB
	bus        *event.Bus

	auth          *auth.Service
	shops         *shop.Service
	snapshots     *snapshot.Store
	locks         *lock.Service
	notifications *notification.Service
	webhooks      *webhook.Service
	dispatcher    *webhook.Dispatcher
	metrics       *metrics.Metrics
	scraper       *scrape.Scraper
	scheduler     *scrape.Scheduler
	maintenance   *maintenance.Service
	backups       *backup.Service
}

func setup() (*app, error) {
	configPath := os.Getenv("SM_CONFIG_PATH")
	if configPath == "" {
		configPath = "/data/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(cfg.Logging)
	slog.SetDefault(logger)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()         //nolint:errcheck
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("database ready", slog.String("path", cfg.Database.Path))

	// Resolve encryption key: env var > file > generate new
	keyFile := cfg.Encryption.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(filepath.Dir(cfg.Database.Path), "encryption.key")
	}
	encKey, err := encryption.ResolveKey(cfg.Encryption.Key, keyFile, logger)
	if err != nil {
		db.Close()         //nolint:errcheck
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("resolving encryption key: %w", err)
	}
	encryptor, err := encryption.NewEncryptor(encKey)
	if err != nil {
		db.Close()         //nolint:errcheck
		logManager.Close() //nolint:errcheck
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	a := &app{
		cfg:        cfg,
		configPath: configPath,
		logManager: logManager,
		logger:     logger,
		db:         db,
		bus:        event.NewBus(logger, 256),
		metrics:    metrics.New(),
	}
	a.auth = auth.NewService(db)
	a.shops = shop.NewService(db, encryptor)
	a.snapshots = snapshot.NewStore(db, logger)
	a.locks = lock.NewService(db)
	a.notifications = notification.NewService(db, a.locks, a.bus, logger)
	a.webhooks = webhook.NewService(db)
	a.dispatcher = webhook.NewDispatcher(a.webhooks, logger)
	a.dispatcher.Attach(a.bus)

	httpClient := &http.Client{Timeout: cfg.Scrape.HTTPTimeout}
	a.scraper = scrape.New(scrape.Deps{
		DB:        db,
		Shops:     a.shops,
		Snapshots: a.snapshots,
		Locks:     a.locks,
		Notifier:  a.notifications,
		Catalog: catalog.New(catalog.Options{
			BaseURL:       cfg.Catalog.BaseURL,
			RatePerSecond: cfg.Catalog.RatePerSecond,
			CacheTTL:      cfg.Catalog.CacheTTL,
			CacheSize:     cfg.Catalog.CacheSize,
			UserAgent:     cfg.Scrape.UserAgent,
			HTTPClient:    httpClient,
		}, logger),
		Favicons:  favicon.NewResolver(httpClient, cfg.Scrape.UserAgent, logger),
		Pipeline:  checker.NewPipeline(checker.Builtins(cfg.Security.MinimumPatchedVersion), logger),
		Publisher: a.bus,
		Metrics:   a.metrics,
	}, scrape.Options{
		HTTPTimeout: cfg.Scrape.HTTPTimeout,
		LockTTL:     cfg.Scrape.LockTTL,
		UserAgent:   cfg.Scrape.UserAgent,
	}, logger)
	a.scheduler = scrape.NewScheduler(a.scraper, a.shops, cfg.Scrape.BatchSize, logger)
	a.maintenance = maintenance.NewService(db, cfg.Database.Path, a.locks, a.shops, a.notifications,
		maintenance.Retention{
			Changelogs:    cfg.Maintenance.ChangelogRetention,
			Notifications: cfg.Maintenance.NotificationRetention,
		}, logger)
	a.backups = backup.NewService(db, cfg.Backup.Dir, backupPolicy(cfg.Backup), logger)

	go a.bus.Start()
	return a, nil
}

// Close drains pending events and webhook deliveries, then releases the
// database and log file.
func (a *app) Close() {
	a.bus.Stop()
	select {
	case <-a.bus.Done():
	case <-time.After(5 * time.Second):
		a.logger.Warn("event bus did not drain in time")
	}
	a.dispatcher.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Error("closing database", "error", err)
	}
	a.logManager.Close() //nolint:errcheck
}

func backupPolicy(c config.BackupConfig) backup.Policy {
	return backup.Policy{Retention: c.Retention, MaxAgeDays: c.MaxAgeDays}
}

func serve() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting shopmon",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
	)

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := api.NewRouter(api.RouterDeps{
		AuthService:         a.auth,
		ShopService:         a.shops,
		SnapshotStore:       a.snapshots,
		Scheduler:           a.scheduler,
		NotificationService: a.notifications,
		WebhookService:      a.webhooks,
		WebhookDispatcher:   a.dispatcher,
		Metrics:             a.metrics,
		Maintenance:         a.maintenance,
		Backups:             a.backups,
		DB:                  a.db,
		Logger:              a.logger,
		BasePath:            a.cfg.Server.BasePath,
		RateLimitPerMinute:  a.cfg.Server.RateLimitPerMinute,
		AuthMaxFailures:     a.cfg.Server.AuthMaxFailures,
		ActionTimeout:       a.cfg.Scrape.HTTPTimeout,
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go config.Watch(ctx, a.configPath, func(cfg *config.Config) {
		a.logManager.Apply(cfg.Logging)
		a.backups.SetPolicy(backupPolicy(cfg.Backup))
		a.logger.Info("configuration reloaded", "level", cfg.Logging.Level)
	}, a.logger)

	if a.cfg.Scrape.Enabled {
		go a.scheduler.Start(ctx, a.cfg.Scrape.Interval)
	} else {
		a.logger.Info("scheduled scraping disabled")
	}

	go a.maintenance.StartScheduler(ctx, a.cfg.Maintenance.Interval)
	go a.backups.StartScheduler(ctx, a.cfg.Backup.Interval)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", slog.String("addr", addr), slog.String("base_path", a.cfg.Server.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func scrapeOnce(args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		outcome, err := a.scheduler.RunOne(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], outcome)
		return nil
	}

	sum, err := a.scheduler.RunAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("shops: %d, succeeded: %d, auth failed: %d, fetch failed: %d, skipped: %d, errors: %d\n",
		sum.Total, sum.Outcomes[scrape.OutcomeSuccess], sum.Outcomes[scrape.OutcomeAuthFailed],
		sum.Outcomes[scrape.OutcomeFetchFailed], sum.Outcomes[scrape.OutcomeSkipped], sum.Errors)
	return nil
}

func createUser(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: shopmon create-user <email> <name>")
	}
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	user, err := a.auth.CreateUser(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	token, _, err := a.auth.CreateToken(ctx, user.ID, "cli")
	if err != nil {
		return err
	}
	fmt.Printf("user %s created\napi token (shown once): %s\n", user.Email, token)
	return nil
}

func backupOnce() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.backups.Backup(context.Background())
	if err != nil {
		return err
	}
	pruned, err := a.backups.Prune()
	if err != nil {
		return err
	}
	fmt.Printf("backup %s (%d bytes), pruned %d\n", filepath.Join(a.backups.Dir(), info.Filename), info.Size, pruned)
	return nil
}

func maintenanceOnce() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.maintenance.Run(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("locks purged: %d, changelogs pruned: %d, notifications pruned: %d\n",
		rep.LocksPurged, rep.ChangelogsPruned, rep.NotificationsPruned)
	return nil
}
