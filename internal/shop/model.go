package shop

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sydlexius/shopmon/internal/extension"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("shop not found")
	ErrInvalid  = errors.New("invalid shop")
)

// Status values mirror the checker severity levels.
const (
	StatusGreen  = "green"
	StatusYellow = "yellow"
	StatusRed    = "red"
)

// MaxConnectionIssues is the number of consecutive authentication failures
// after which scheduled scrapes skip a shop until the count is reset.
const MaxConnectionIssues = 3

// Shop is a monitored Shopware instance.
type Shop struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name" validate:"required,max=255"`
	URL                  string            `json:"url" validate:"required,http_url"`
	ClientID             string            `json:"client_id" validate:"required"`
	ClientSecret         string            `json:"client_secret,omitempty"`
	Status               string            `json:"status"`
	ShopwareVersion      string            `json:"shopware_version"`
	Favicon              *string           `json:"favicon,omitempty"`
	LastScrapedAt        *time.Time        `json:"last_scraped_at,omitempty"`
	LastScrapedError     *string           `json:"last_scraped_error,omitempty"`
	ConnectionIssueCount int               `json:"connection_issue_count"`
	LastChangelog        *ChangelogSummary `json:"last_changelog,omitempty"`
	Ignores              []string          `json:"ignores"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`

	encryptedSecret string
}

// Disabled reports whether scheduled scrapes skip this shop.
func (s *Shop) Disabled() bool {
	return s.ConnectionIssueCount >= MaxConnectionIssues
}

// ChangelogSummary is the condensed last version change stored on the shop.
type ChangelogSummary struct {
	OldShopwareVersion string                `json:"old_shopware_version"`
	NewShopwareVersion string                `json:"new_shopware_version"`
	Extensions         []extension.DiffEntry `json:"extensions"`
	Date               time.Time             `json:"date"`
}

// Changelog is one recorded change between two consecutive scrapes.
type Changelog struct {
	ID                 string                `json:"id"`
	ShopID             string                `json:"shop_id"`
	Extensions         []extension.DiffEntry `json:"extensions"`
	OldShopwareVersion *string               `json:"old_shopware_version,omitempty"`
	NewShopwareVersion *string               `json:"new_shopware_version,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
}

// ScrapeUpdate is the state written back to the shop after a successful
// scrape.
type ScrapeUpdate struct {
	Status          string
	ShopwareVersion string
	Favicon         string
	LastChangelog   *ChangelogSummary
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the user-editable fields.
func (s *Shop) Validate() error {
	validateOnce.Do(func() { validate = validator.New(validator.WithRequiredStructEnabled()) })

	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimRight(strings.TrimSpace(s.URL), "/")
	s.ClientID = strings.TrimSpace(s.ClientID)

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q check", ErrInvalid, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
