// Package scrape runs the per-shop scrape cycle and schedules it across all
// shops in bounded batches.
package scrape

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sydlexius/shopmon/internal/checker"
	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/event"
	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/lock"
	"github.com/sydlexius/shopmon/internal/metrics"
	"github.com/sydlexius/shopmon/internal/notification"
	"github.com/sydlexius/shopmon/internal/shop"
	"github.com/sydlexius/shopmon/internal/shopware"
	"github.com/sydlexius/shopmon/internal/snapshot"
)

// Outcome classifies how a scrape cycle ended.
type Outcome string

// Cycle outcomes.
const (
	OutcomeSuccess     Outcome = metrics.OutcomeSuccess
	OutcomeAuthFailed  Outcome = metrics.OutcomeAuthError
	OutcomeFetchFailed Outcome = metrics.OutcomeFetchError
	OutcomeSkipped     Outcome = metrics.OutcomeSkipped
	OutcomeLocked      Outcome = metrics.OutcomeLocked
)

// ShopAPI is the remote shop surface one cycle needs.
type ShopAPI interface {
	Authenticate(ctx context.Context) error
	InfoConfig(ctx context.Context) (*shopware.InfoConfig, error)
	Plugins(ctx context.Context) ([]shopware.Plugin, error)
	Apps(ctx context.Context) ([]shopware.App, error)
	ScheduledTasks(ctx context.Context) ([]shopware.ScheduledTask, error)
	Queues(ctx context.Context, shopwareVersion string) ([]shopware.QueueEntry, error)
	CacheInfo(ctx context.Context) (*shopware.CacheInfo, error)
	Get(ctx context.Context, path string, out any) error
}

// Enricher adds store catalog data to extensions.
type Enricher interface {
	Enrich(ctx context.Context, shopwareVersion string, exts []extension.Extension) error
}

// FaviconResolver finds a shop's icon URL.
type FaviconResolver interface {
	Resolve(ctx context.Context, baseURL string) string
}

// Notifier delivers user notifications and operator alerts.
type Notifier interface {
	Notify(ctx context.Context, shopID string, n notification.Notification) (int, error)
	Alert(ctx context.Context, a notification.Alert) (bool, error)
}

// ClientFactory builds a remote shop client from decrypted credentials.
type ClientFactory func(baseURL, clientID, clientSecret string) ShopAPI

// Options tunes the scrape cycle.
type Options struct {
	HTTPTimeout time.Duration
	LockTTL     time.Duration
	UserAgent   string
}

// Deps collects the collaborators of a Scraper.
type Deps struct {
	DB        *sql.DB
	Shops     *shop.Service
	Snapshots *snapshot.Store
	Locks     *lock.Service
	Notifier  Notifier
	Catalog   Enricher
	Favicons  FaviconResolver
	Pipeline  *checker.Pipeline
	Publisher event.Publisher
	Metrics   *metrics.Metrics
	NewClient ClientFactory
}

// Scraper runs one shop's scrape cycle.
type Scraper struct {
	Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scraper. A nil NewClient builds shopware.Client instances
// with the configured timeout and user agent.
func New(deps Deps, opts Options, logger *slog.Logger) *Scraper {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	s := &Scraper{
		Deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "scraper")),
		now:    time.Now,
	}
	if s.NewClient == nil {
		s.NewClient = s.defaultClient
	}
	if s.Pipeline != nil && s.Metrics != nil {
		s.Pipeline.OnFailure(s.Metrics.CheckerFailed)
	}
	return s
}

func (s *Scraper) defaultClient(baseURL, clientID, clientSecret string) ShopAPI {
	c := shopware.NewWithHTTPClient(baseURL, clientID, clientSecret,
		&http.Client{Timeout: s.opts.HTTPTimeout}, s.logger)
	if s.opts.UserAgent != "" {
		c.SetUserAgent(s.opts.UserAgent)
	}
	return c
}

// fetched is the joined result of the concurrent resource fetch.
type fetched struct {
	config  *shopware.InfoConfig
	plugins []shopware.Plugin
	apps    []shopware.App
	tasks   []shopware.ScheduledTask
	queues  []shopware.QueueEntry
	cache   *shopware.CacheInfo
}

// ScrapeShop runs one full cycle for shopID. Operational failures (auth,
// fetch) are recorded on the shop and reported through the outcome; only
// setup errors such as a missing shop or an undecryptable secret are
// returned as errors.
func (s *Scraper) ScrapeShop(ctx context.Context, shopID string) (Outcome, error) {
	start := s.now()
	outcome, err := s.scrape(ctx, shopID)
	if s.Metrics != nil {
		if err != nil {
			s.Metrics.ObserveScrape(metrics.OutcomeSetupError, 0)
		} else {
			s.Metrics.ObserveScrape(string(outcome), s.now().Sub(start))
		}
	}
	return outcome, err
}

func (s *Scraper) scrape(ctx context.Context, shopID string) (Outcome, error) {
	sh, err := s.Shops.Get(ctx, shopID)
	if err != nil {
		return "", fmt.Errorf("loading shop %s: %w", shopID, err)
	}
	logger := s.logger.With("shop_id", sh.ID, "shop", sh.Name)

	if sh.Disabled() {
		logger.Debug("skipping shop with too many connection issues", "count", sh.ConnectionIssueCount)
		return OutcomeSkipped, nil
	}

	lockKey := "shop.scrape." + sh.ID
	owner, err := s.Locks.Acquire(ctx, lockKey, s.opts.LockTTL)
	if err != nil {
		return "", err
	}
	if owner == "" {
		logger.Debug("scrape already running")
		return OutcomeLocked, nil
	}
	defer func() {
		if err := s.Locks.Release(context.WithoutCancel(ctx), lockKey, owner); err != nil {
			logger.Warn("releasing scrape lock", "error", err)
		}
	}()

	// Remote work must finish while the lease is still ours.
	remoteCtx, cancel := context.WithTimeout(ctx, s.opts.LockTTL)
	defer cancel()

	if err := s.Shops.MarkScrapeStarted(ctx, sh.ID); err != nil {
		return "", err
	}

	secret, err := s.Shops.ClientSecret(sh)
	if err != nil {
		return "", err
	}
	client := s.NewClient(sh.URL, sh.ClientID, secret)

	if err := client.Authenticate(remoteCtx); err != nil {
		return s.authFailed(ctx, sh, err, logger)
	}
	if sh.ConnectionIssueCount > 0 {
		if err := s.Shops.ResetConnectionIssues(ctx, sh.ID); err != nil {
			return "", err
		}
	}

	data, err := s.fetch(remoteCtx, client, sh.ShopwareVersion)
	if err != nil {
		return s.fetchFailed(ctx, sh, err, logger)
	}

	exts := extension.Merge(data.plugins, data.apps)
	if len(exts) > 0 && s.Catalog != nil {
		if err := s.Catalog.Enrich(remoteCtx, data.config.Version, exts); err != nil {
			logger.Debug("catalog enrichment unavailable", "error", err)
		}
	}

	prior, err := s.Snapshots.Load(ctx, sh.ID)
	if err != nil {
		return "", err
	}
	var diff []extension.DiffEntry
	if prior != nil {
		diff = extension.Diff(prior.Extensions, exts)
	}

	var favicon string
	if s.Favicons != nil {
		favicon = s.Favicons.Resolve(remoteCtx, sh.URL)
	}

	result := s.Pipeline.Run(remoteCtx, &checker.Input{
		Extensions:     exts,
		Config:         data.config,
		ScheduledTasks: data.tasks,
		Queues:         data.queues,
		Cache:          data.cache,
		Favicon:        favicon,
		Client:         client,
	}, sh.Ignores)
	status := string(result.Status())

	if err := s.persist(ctx, sh, data, exts, diff, favicon, status, result); err != nil {
		return "", err
	}
	if checker.Worse(checker.Level(status), checker.Level(sh.Status)) {
		s.statusWorsened(ctx, sh, status, logger)
	}

	s.publish(sh, status, diff, data.config.Version)
	logger.Info("shop scraped", "status", status, "shopware_version", data.config.Version,
		"extensions", len(exts), "changes", len(diff))
	return OutcomeSuccess, nil
}

// fetch retrieves the six core resources concurrently. Any failure cancels
// the rest and fails the whole batch. On a shop never scraped before the
// config is read first, since the queue endpoint depends on its version.
func (s *Scraper) fetch(ctx context.Context, client ShopAPI, knownVersion string) (*fetched, error) {
	var out fetched
	if knownVersion == "" {
		cfg, err := client.InfoConfig(ctx)
		if err != nil {
			return nil, err
		}
		out.config = cfg
		knownVersion = cfg.Version
	}

	g, gctx := errgroup.WithContext(ctx)
	if out.config == nil {
		g.Go(func() (err error) {
			out.config, err = client.InfoConfig(gctx)
			return err
		})
	}
	g.Go(func() (err error) {
		out.plugins, err = client.Plugins(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.apps, err = client.Apps(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.tasks, err = client.ScheduledTasks(gctx)
		return err
	})
	g.Go(func() (err error) {
		out.queues, err = client.Queues(gctx, knownVersion)
		return err
	})
	g.Go(func() (err error) {
		out.cache, err = client.CacheInfo(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if out.config == nil {
		return nil, errors.New("shop returned an empty config")
	}
	return &out, nil
}

func (s *Scraper) authFailed(ctx context.Context, sh *shop.Shop, cause error, logger *slog.Logger) (Outcome, error) {
	msg := cause.Error()
	logger.Warn("shop authentication failed", "error", cause)

	if err := s.Shops.RecordAuthFailure(ctx, sh.ID, msg); err != nil {
		return "", err
	}

	key := "shop.update-auth-error." + sh.ID
	if _, err := s.Notifier.Notify(ctx, sh.ID, notification.Notification{
		Key:     key,
		Level:   notification.LevelError,
		Title:   fmt.Sprintf("Shop %s could not be updated", sh.Name),
		Message: "Could not connect to shop. Please check the credentials and the shop URL. " + msg,
		Link:    shopLink(sh.ID),
	}); err != nil {
		logger.Error("notifying auth failure", "error", err)
	}
	if _, err := s.Notifier.Alert(ctx, notification.Alert{
		Key:     key,
		ShopID:  sh.ID,
		Title:   fmt.Sprintf("Shop %s authentication failed", sh.Name),
		Message: msg,
		Level:   notification.LevelError,
	}); err != nil {
		logger.Error("alerting auth failure", "error", err)
	}
	return OutcomeAuthFailed, nil
}

func (s *Scraper) fetchFailed(ctx context.Context, sh *shop.Shop, cause error, logger *slog.Logger) (Outcome, error) {
	msg := cause.Error()
	logger.Warn("shop fetch failed", "error", cause)

	if err := s.Shops.RecordFetchFailure(ctx, sh.ID, msg); err != nil {
		return "", err
	}
	if _, err := s.Notifier.Notify(ctx, sh.ID, notification.Notification{
		Key:     "shop.update-fetch-error." + sh.ID,
		Level:   notification.LevelError,
		Title:   fmt.Sprintf("Shop %s could not be updated", sh.Name),
		Message: "Could not fetch shop data. " + msg,
		Link:    shopLink(sh.ID),
	}); err != nil {
		logger.Error("notifying fetch failure", "error", err)
	}
	return OutcomeFetchFailed, nil
}

func (s *Scraper) statusWorsened(ctx context.Context, sh *shop.Shop, status string, logger *slog.Logger) {
	key := "shop.change-status." + sh.ID
	level := notification.LevelWarning
	if status == shop.StatusRed {
		level = notification.LevelError
	}
	msg := fmt.Sprintf("Status changed from %s to %s", sh.Status, status)

	if _, err := s.Notifier.Notify(ctx, sh.ID, notification.Notification{
		Key:     key,
		Level:   level,
		Title:   fmt.Sprintf("Shop %s status changed", sh.Name),
		Message: msg,
		Link:    shopLink(sh.ID),
	}); err != nil {
		logger.Error("notifying status change", "error", err)
	}
	if _, err := s.Notifier.Alert(ctx, notification.Alert{
		Key:     key,
		ShopID:  sh.ID,
		Title:   fmt.Sprintf("Shop %s is %s", sh.Name, status),
		Message: msg,
		Level:   level,
	}); err != nil {
		logger.Error("alerting status change", "error", err)
	}
}

func (s *Scraper) persist(ctx context.Context, sh *shop.Shop, data *fetched, exts []extension.Extension,
	diff []extension.DiffEntry, favicon, status string, result *checker.Result) error {
	newVersion := data.config.Version
	versionChanged := sh.ShopwareVersion != "" && sh.ShopwareVersion != newVersion

	update := shop.ScrapeUpdate{
		Status:          status,
		ShopwareVersion: newVersion,
		Favicon:         favicon,
	}
	if versionChanged {
		update.LastChangelog = &shop.ChangelogSummary{
			OldShopwareVersion: sh.ShopwareVersion,
			NewShopwareVersion: newVersion,
			Extensions:         diff,
			Date:               s.now().UTC(),
		}
	}

	snap := &snapshot.Snapshot{
		Extensions:     exts,
		ScheduledTasks: data.tasks,
		Queues:         data.queues,
		Cache:          data.cache,
		Checks:         result.Checks(),
		CreatedAt:      s.now().UTC(),
	}

	return database.WithTx(ctx, s.DB, func(tx *sql.Tx) error {
		if err := s.Shops.ApplyScrape(ctx, tx, sh.ID, update); err != nil {
			return err
		}
		if err := s.Snapshots.Save(ctx, tx, sh.ID, snap); err != nil {
			return err
		}
		if len(diff) == 0 && !versionChanged {
			return nil
		}
		c := &shop.Changelog{ShopID: sh.ID, Extensions: diff}
		if versionChanged {
			oldV, newV := sh.ShopwareVersion, newVersion
			c.OldShopwareVersion = &oldV
			c.NewShopwareVersion = &newV
		}
		return s.Shops.AddChangelog(ctx, tx, c)
	})
}

func (s *Scraper) publish(sh *shop.Shop, status string, diff []extension.DiffEntry, version string) {
	if s.Publisher == nil {
		return
	}
	now := s.now().UTC()
	s.Publisher.Publish(event.Event{
		Type: event.ShopScraped, ShopID: sh.ID, Timestamp: now,
		Data: map[string]any{"name": sh.Name, "status": status, "shopware_version": version},
	})
	if status != sh.Status {
		s.Publisher.Publish(event.Event{
			Type: event.ShopStatusChanged, ShopID: sh.ID, Timestamp: now,
			Data: map[string]any{
				"name":       sh.Name,
				"old_status": sh.Status,
				"new_status": status,
				"level":      status,
				"message":    fmt.Sprintf("%s: status changed from %s to %s", sh.Name, sh.Status, status),
			},
		})
	}
	if len(diff) > 0 {
		s.Publisher.Publish(event.Event{
			Type: event.ShopExtensionsChanged, ShopID: sh.ID, Timestamp: now,
			Data: map[string]any{
				"name":    sh.Name,
				"changes": diff,
				"message": fmt.Sprintf("%s: %d extension change(s)", sh.Name, len(diff)),
			},
		})
	}
}

func shopLink(id string) *string {
	l := "/shops/" + id
	return &l
}
