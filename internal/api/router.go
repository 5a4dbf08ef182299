package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/sydlexius/shopmon/internal/api/middleware"
	"github.com/sydlexius/shopmon/internal/auth"
	"github.com/sydlexius/shopmon/internal/backup"
	"github.com/sydlexius/shopmon/internal/maintenance"
	"github.com/sydlexius/shopmon/internal/metrics"
	"github.com/sydlexius/shopmon/internal/notification"
	"github.com/sydlexius/shopmon/internal/scrape"
	"github.com/sydlexius/shopmon/internal/shop"
	"github.com/sydlexius/shopmon/internal/shopware"
	"github.com/sydlexius/shopmon/internal/snapshot"
	"github.com/sydlexius/shopmon/internal/webhook"
)

// ShopActions are the manual operations an operator can trigger on a shop.
type ShopActions interface {
	RescheduleTask(ctx context.Context, taskID string) error
	ClearCache(ctx context.Context) error
}

// ShopActionsFactory builds a ShopActions client from decrypted credentials.
type ShopActionsFactory func(baseURL, clientID, clientSecret string) ShopActions

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	AuthService         *auth.Service
	ShopService         *shop.Service
	SnapshotStore       *snapshot.Store
	Scheduler           *scrape.Scheduler
	NotificationService *notification.Service
	WebhookService      *webhook.Service
	WebhookDispatcher   *webhook.Dispatcher
	Metrics             *metrics.Metrics
	Maintenance         *maintenance.Service
	Backups             *backup.Service
	NewShopActions      ShopActionsFactory
	DB                  *sql.DB
	Logger              *slog.Logger
	BasePath            string
	RateLimitPerMinute  int
	AuthMaxFailures     int
	ActionTimeout       time.Duration
}

// Router sets up all HTTP routes for the application.
type Router struct {
	authService         *auth.Service
	shopService         *shop.Service
	snapshotStore       *snapshot.Store
	scheduler           *scrape.Scheduler
	notificationService *notification.Service
	webhookService      *webhook.Service
	webhookDispatcher   *webhook.Dispatcher
	metrics             *metrics.Metrics
	maintenance         *maintenance.Service
	backups             *backup.Service
	newShopActions      ShopActionsFactory
	db                  *sql.DB
	logger              *slog.Logger
	basePath            string
	rateLimiter         *middleware.RateLimiter
	authFailures        *middleware.FailureLock
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	r := &Router{
		authService:         deps.AuthService,
		shopService:         deps.ShopService,
		snapshotStore:       deps.SnapshotStore,
		scheduler:           deps.Scheduler,
		notificationService: deps.NotificationService,
		webhookService:      deps.WebhookService,
		webhookDispatcher:   deps.WebhookDispatcher,
		metrics:             deps.Metrics,
		maintenance:         deps.Maintenance,
		backups:             deps.Backups,
		newShopActions:      deps.NewShopActions,
		db:                  deps.DB,
		logger:              deps.Logger.With(slog.String("component", "api")),
		basePath:            deps.BasePath,
		rateLimiter:         middleware.NewRateLimiter(deps.RateLimitPerMinute, 0),
	}
	if deps.AuthMaxFailures > 0 {
		r.authFailures = middleware.NewFailureLock(deps.AuthMaxFailures, 15*time.Minute)
	}
	if r.newShopActions == nil {
		timeout := deps.ActionTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.newShopActions = func(baseURL, clientID, clientSecret string) ShopActions {
			return shopware.NewWithHTTPClient(baseURL, clientID, clientSecret,
				&http.Client{Timeout: timeout}, deps.Logger)
		}
	}
	return r
}

// Handler returns the fully configured HTTP handler with middleware applied.
func (r *Router) Handler() http.Handler {
	authMw := middleware.Auth(r.authService, r.authFailures)
	mux := http.NewServeMux()
	bp := r.basePath

	// Public routes (no auth)
	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)
	if r.metrics != nil {
		mux.Handle("GET "+bp+"/metrics", r.metrics.Handler())
	}

	// Protected routes (auth required)
	mux.HandleFunc("GET "+bp+"/api/v1/me", wrapAuth(r.handleMe, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/auth/tokens", wrapAuth(r.handleListAPITokens, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/auth/tokens", wrapAuth(r.handleCreateAPIToken, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/auth/tokens/{id}", wrapAuth(r.handleRevokeAPIToken, authMw))

	// Shop routes
	mux.HandleFunc("GET "+bp+"/api/v1/shops", wrapAuth(r.handleListShops, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/shops", wrapAuth(r.handleCreateShop, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/shops/{id}", wrapAuth(r.handleGetShop, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/shops/{id}", wrapAuth(r.handleUpdateShop, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/shops/{id}", wrapAuth(r.handleDeleteShop, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/shops/{id}/refresh", wrapAuth(r.handleRefreshShop, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/shops/{id}/reset-connection", wrapAuth(r.handleResetConnection, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/shops/{id}/snapshot", wrapAuth(r.handleGetSnapshot, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/shops/{id}/changelogs", wrapAuth(r.handleListChangelogs, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/shops/{id}/ignores", wrapAuth(r.handleSetIgnores, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/shops/{id}/tasks/{taskId}/reschedule", wrapAuth(r.handleRescheduleTask, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/shops/{id}/cache/clear", wrapAuth(r.handleClearCache, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/shops/{id}/subscription", wrapAuth(r.handleSubscribe, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/shops/{id}/subscription", wrapAuth(r.handleUnsubscribe, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/subscriptions", wrapAuth(r.handleListSubscriptions, authMw))

	// Notification routes
	mux.HandleFunc("GET "+bp+"/api/v1/notifications", wrapAuth(r.handleListNotifications, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/notifications/read", wrapAuth(r.handleMarkAllRead, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/notifications/{id}/read", wrapAuth(r.handleMarkRead, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/notifications/{id}", wrapAuth(r.handleDeleteNotification, authMw))

	// Webhook routes
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks", wrapAuth(r.handleListWebhooks, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks", wrapAuth(r.handleCreateWebhook, authMw))
	mux.HandleFunc("GET "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleGetWebhook, authMw))
	mux.HandleFunc("PUT "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleUpdateWebhook, authMw))
	mux.HandleFunc("DELETE "+bp+"/api/v1/webhooks/{id}", wrapAuth(r.handleDeleteWebhook, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/webhooks/{id}/test", wrapAuth(r.handleTestWebhook, authMw))

	// Administration
	mux.HandleFunc("GET "+bp+"/api/v1/maintenance", wrapAuth(r.handleMaintenanceStatus, authMw))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/run", wrapAuth(r.handleMaintenanceRun, authMw))
	if r.backups != nil {
		mux.HandleFunc("GET "+bp+"/api/v1/backups", wrapAuth(r.handleBackupList, authMw))
		mux.HandleFunc("POST "+bp+"/api/v1/backups", wrapAuth(r.handleBackupCreate, authMw))
		mux.HandleFunc("GET "+bp+"/api/v1/backups/{filename}", wrapAuth(r.handleBackupDownload, authMw))
		mux.HandleFunc("DELETE "+bp+"/api/v1/backups/{filename}", wrapAuth(r.handleBackupDelete, authMw))
	}

	var h http.Handler = r.rateLimiter.Middleware(mux)
	if r.metrics != nil {
		h = middleware.Instrument(r.metrics)(h)
	}
	return middleware.Logging(r.logger)(h)
}

// wrapAuth wraps a handler function with auth middleware.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMw(fn).ServeHTTP(w, r)
	}
}
