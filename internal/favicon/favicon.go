// Package favicon finds a shop's icon URL from its storefront homepage.
package favicon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

// maxBody caps how much of the homepage is parsed.
const maxBody = 2 << 20

// Resolver fetches homepages and extracts icon links.
type Resolver struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewResolver creates a favicon resolver.
func NewResolver(httpClient *http.Client, userAgent string, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger.With(slog.String("component", "favicon")),
	}
}

// Resolve returns the absolute icon URL declared by the homepage at baseURL,
// or an empty string when none can be determined.
func (r *Resolver) Resolve(ctx context.Context, baseURL string) string {
	icon, err := r.resolve(ctx, baseURL)
	if err != nil {
		r.logger.Debug("favicon lookup failed", "url", baseURL, "error", err)
		return ""
	}
	return icon
}

func (r *Resolver) resolve(ctx context.Context, baseURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching homepage: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("homepage returned status %d", resp.StatusCode)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBody), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("decoding homepage charset: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parsing homepage: %w", err)
	}

	// Final URL after redirects is the base for relative links.
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	var href string
	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if !hasIconRel(rel) {
			return true
		}
		href, _ = s.Attr("href")
		href = strings.TrimSpace(href)
		return href == ""
	})
	if href == "" {
		return "", fmt.Errorf("no icon link found")
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parsing icon href: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func hasIconRel(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == "icon" {
			return true
		}
	}
	return false
}
