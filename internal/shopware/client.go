package shopware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrAuthentication is wrapped by every failure to obtain an access token.
var ErrAuthentication = errors.New("shop authentication failed")

// APIError is returned for non-2xx responses from the shop.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the admin API of a single shop. Access tokens are cached
// until they expire; a 401 on a request forces one re-authentication and a
// single retry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      clientcredentials.Config
	userAgent  string
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// New creates a client with a default 30 second per-request timeout.
func New(baseURL, clientID, clientSecret string, logger *slog.Logger) *Client {
	return NewWithHTTPClient(baseURL, clientID, clientSecret, &http.Client{Timeout: 30 * time.Second}, logger)
}

// NewWithHTTPClient creates a client with a custom HTTP client.
func NewWithHTTPClient(baseURL, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		httpClient: httpClient,
		baseURL:    base,
		creds: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     base + "/api/oauth/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		userAgent: "Shopmon/1.0",
		now:       time.Now,
		logger:    logger.With(slog.String("integration", "shopware"), slog.String("shop_url", base)),
	}
}

// SetUserAgent overrides the User-Agent header sent to the shop.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// BaseURL returns the shop URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Authenticate requests a fresh access token, replacing any cached one.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.accessToken(ctx, true)
	return err
}

func (c *Client) accessToken(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.token.Valid() {
		return c.token.AccessToken, nil
	}

	tok, err := c.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	c.token = tok
	c.logger.Debug("obtained access token", "expires_at", tok.Expiry)
	return tok.AccessToken, nil
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Patch sends body as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPatch, path, body, out)
}

// Delete issues DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	for attempt := range 2 {
		token, err := c.accessToken(ctx, attempt > 0)
		if err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()              //nolint:errcheck
			c.logger.Debug("access token rejected, re-authenticating", "path", path)
			continue
		}

		return decodeResponse(resp, method, path, out)
	}
	return fmt.Errorf("%s %s: %w", method, path, ErrAuthentication)
}

func decodeResponse(resp *http.Response, method, path string, out any) error {
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// InfoConfig returns the shop version and admin worker settings.
func (c *Client) InfoConfig(ctx context.Context) (*InfoConfig, error) {
	var cfg InfoConfig
	if err := c.Get(ctx, "/api/_info/config", &cfg); err != nil {
		return nil, fmt.Errorf("fetching config: %w", err)
	}
	return &cfg, nil
}

// Plugins returns every plugin known to the shop, installed or not.
func (c *Client) Plugins(ctx context.Context) ([]Plugin, error) {
	var res searchResult[Plugin]
	if err := c.Post(ctx, "/api/search/plugin", map[string]any{}, &res); err != nil {
		return nil, fmt.Errorf("fetching plugins: %w", err)
	}
	return res.Data, nil
}

// Apps returns the installed apps.
func (c *Client) Apps(ctx context.Context) ([]App, error) {
	var res searchResult[App]
	if err := c.Post(ctx, "/api/search/app", map[string]any{}, &res); err != nil {
		return nil, fmt.Errorf("fetching apps: %w", err)
	}
	return res.Data, nil
}

// ScheduledTasks returns the scheduled task list. A task is overdue when its
// next execution time lies in the past.
func (c *Client) ScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	var res searchResult[scheduledTaskRow]
	if err := c.Post(ctx, "/api/search/scheduled-task", map[string]any{}, &res); err != nil {
		return nil, fmt.Errorf("fetching scheduled tasks: %w", err)
	}

	now := c.now()
	tasks := make([]ScheduledTask, 0, len(res.Data))
	for _, row := range res.Data {
		t := ScheduledTask{
			ID:                row.ID,
			Name:              row.Name,
			Status:            row.Status,
			Interval:          row.RunInterval,
			LastExecutionTime: parseTime(row.LastExecutionTime),
			NextExecutionTime: parseTime(row.NextExecutionTime),
		}
		t.Overdue = t.NextExecutionTime != nil && now.After(*t.NextExecutionTime)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// Queues returns message queue depths, choosing the endpoint by the shop's
// version.
func (c *Client) Queues(ctx context.Context, shopwareVersion string) ([]QueueEntry, error) {
	if UsesLegacyQueueAPI(shopwareVersion) {
		var res searchResult[QueueEntry]
		if err := c.Post(ctx, "/api/search/message-queue-stats", map[string]any{}, &res); err != nil {
			return nil, fmt.Errorf("fetching queue stats: %w", err)
		}
		return res.Data, nil
	}

	var entries []QueueEntry
	if err := c.Get(ctx, "/api/_info/queue.json", &entries); err != nil {
		return nil, fmt.Errorf("fetching queue info: %w", err)
	}
	return entries, nil
}

// CacheInfo returns the cache environment and adapter.
func (c *Client) CacheInfo(ctx context.Context) (*CacheInfo, error) {
	var info CacheInfo
	if err := c.Get(ctx, "/api/_action/cache_info", &info); err != nil {
		return nil, fmt.Errorf("fetching cache info: %w", err)
	}
	return &info, nil
}

// RescheduleTask marks a scheduled task as due now.
func (c *Client) RescheduleTask(ctx context.Context, taskID string) error {
	body := map[string]any{
		"status":            "scheduled",
		"nextExecutionTime": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.Patch(ctx, "/api/scheduled-task/"+taskID, body, nil); err != nil {
		return fmt.Errorf("rescheduling task %s: %w", taskID, err)
	}
	return nil
}

// ClearCache empties the shop's HTTP and object caches.
func (c *Client) ClearCache(ctx context.Context) error {
	if err := c.Delete(ctx, "/api/_action/cache"); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return nil
}
