// Package catalog enriches installed extensions with data from the public
// Shopware store catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

// DefaultBaseURL is the public store API.
const DefaultBaseURL = "https://api.shopware.com"

// maxNamesPerRequest bounds the query string length.
const maxNamesPerRequest = 50

// Options configures a Client.
type Options struct {
	BaseURL       string
	RatePerSecond float64
	CacheTTL      time.Duration
	CacheSize     int
	UserAgent     string
	HTTPClient    *http.Client
}

type storeChangelog struct {
	Version      string `json:"version"`
	Text         string `json:"text"`
	CreationDate string `json:"creationDate"`
}

type storePlugin struct {
	Name          string           `json:"name"`
	Version       string           `json:"version"`
	RatingAverage *float64         `json:"ratingAverage"`
	Link          string           `json:"link"`
	Changelog     []storeChangelog `json:"changelog"`
}

// Client queries the store catalog with throttling and a TTL cache keyed by
// Shopware version and technical name.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *expirable.LRU[string, *storePlugin]
	userAgent  string
	logger     *slog.Logger
}

// New creates a catalog client.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 2048
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		cache:      expirable.NewLRU[string, *storePlugin](opts.CacheSize, nil, opts.CacheTTL),
		userAgent:  opts.UserAgent,
		logger:     logger.With(slog.String("component", "catalog")),
	}
}

func cacheKey(version, name string) string {
	return version + "\x00" + name
}

// Enrich fills latest version, rating, store link and pending changelog of
// exts in place. Extensions unknown to the store are left untouched. An
// error leaves already enriched entries as they are.
func (c *Client) Enrich(ctx context.Context, shopwareVersion string, exts []extension.Extension) error {
	if len(exts) == 0 {
		return nil
	}

	found := make(map[string]*storePlugin, len(exts))
	var missing []string
	for _, e := range exts {
		if p, ok := c.cache.Get(cacheKey(shopwareVersion, e.Name)); ok {
			found[e.Name] = p
			continue
		}
		missing = append(missing, e.Name)
	}

	var fetchErr error
	for start := 0; start < len(missing); start += maxNamesPerRequest {
		end := min(start+maxNamesPerRequest, len(missing))
		batch := missing[start:end]
		plugins, err := c.fetch(ctx, shopwareVersion, batch)
		if err != nil {
			fetchErr = err
			break
		}
		byName := make(map[string]*storePlugin, len(plugins))
		for i := range plugins {
			byName[plugins[i].Name] = &plugins[i]
		}
		for _, name := range batch {
			p := byName[name]
			c.cache.Add(cacheKey(shopwareVersion, name), p)
			found[name] = p
		}
	}

	for i := range exts {
		if p := found[exts[i].Name]; p != nil {
			apply(&exts[i], p)
		}
	}
	return fetchErr
}

func apply(e *extension.Extension, p *storePlugin) {
	latest := p.Version
	e.LatestVersion = &latest
	e.RatingAverage = p.RatingAverage
	if p.Link != "" {
		link := p.Link
		e.StoreLink = &link
	}
	e.Changelog = nil
	if latest == e.Version {
		return
	}
	for _, entry := range p.Changelog {
		if shopware.CompareVersions(entry.Version, e.Version) <= 0 {
			continue
		}
		e.Changelog = append(e.Changelog, extension.ChangelogEntry{
			Version:      entry.Version,
			Text:         entry.Text,
			CreationDate: entry.CreationDate,
			IsCompatible: shopware.CompareVersions(entry.Version, latest) <= 0,
		})
	}
}

func (c *Client) fetch(ctx context.Context, shopwareVersion string, names []string) ([]storePlugin, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("locale", "en-GB")
	q.Set("shopwareVersion", shopwareVersion)
	for _, n := range names {
		q.Add("technicalNames[]", n)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pluginStore/pluginsByName?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying catalog: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var plugins []storePlugin
	if err := json.NewDecoder(resp.Body).Decode(&plugins); err != nil {
		return nil, fmt.Errorf("decoding catalog response: %w", err)
	}
	c.logger.Debug("catalog lookup", "shopware_version", shopwareVersion, "requested", len(names), "found", len(plugins))
	return plugins, nil
}
