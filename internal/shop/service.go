package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/encryption"
	"github.com/sydlexius/shopmon/internal/extension"
)

const shopColumns = `id, name, url, client_id, encrypted_client_secret, status,
	shopware_version, favicon, last_scraped_at, last_scraped_error,
	connection_issue_count, last_changelog, ignores, created_at, updated_at`

// Service provides shop persistence. Client secrets are encrypted at rest.
type Service struct {
	db  *sql.DB
	enc *encryption.Encryptor
	now func() time.Time
}

// NewService creates a shop service.
func NewService(db *sql.DB, enc *encryption.Encryptor) *Service {
	return &Service{db: db, enc: enc, now: time.Now}
}

// Create validates and inserts a new shop.
func (s *Service) Create(ctx context.Context, sh *Shop) error {
	if err := sh.Validate(); err != nil {
		return err
	}
	if sh.ClientSecret == "" {
		return fmt.Errorf("%w: client_secret failed \"required\" check", ErrInvalid)
	}
	secret, err := s.enc.Encrypt(sh.ClientSecret)
	if err != nil {
		return fmt.Errorf("encrypting client secret: %w", err)
	}

	now := s.now().UTC()
	sh.ID = uuid.New().String()
	sh.Status = StatusGreen
	sh.CreatedAt = now
	sh.UpdatedAt = now
	sh.ClientSecret = ""
	sh.encryptedSecret = secret
	if sh.Ignores == nil {
		sh.Ignores = []string{}
	}

	ignores, _ := json.Marshal(sh.Ignores)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO shops (id, name, url, client_id, encrypted_client_secret, status, ignores, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sh.ID, sh.Name, sh.URL, sh.ClientID, secret, sh.Status, string(ignores),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating shop: %w", err)
	}
	return nil
}

// Get returns a shop by ID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Shop, error) {
	return s.GetWith(ctx, s.db, id)
}

// GetWith is Get against an explicit connection or transaction.
func (s *Service) GetWith(ctx context.Context, q database.DBTX, id string) (*Shop, error) {
	row := q.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM shops WHERE id = ?`, id)
	sh, err := scanShop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting shop: %w", err)
	}
	return sh, nil
}

// ListAll returns every shop ordered by name.
func (s *Service) ListAll(ctx context.Context) ([]Shop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shopColumns+` FROM shops ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("listing shops: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var shops []Shop
	for rows.Next() {
		sh, err := scanShop(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning shop row: %w", err)
		}
		shops = append(shops, *sh)
	}
	return shops, rows.Err()
}

// Update changes the user-editable fields. An empty ClientSecret keeps the
// stored secret.
func (s *Service) Update(ctx context.Context, sh *Shop) error {
	if err := sh.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	sh.UpdatedAt = now

	query := `UPDATE shops SET name = ?, url = ?, client_id = ?, updated_at = ? WHERE id = ?`
	args := []any{sh.Name, sh.URL, sh.ClientID, now.Format(time.RFC3339), sh.ID}
	if sh.ClientSecret != "" {
		secret, err := s.enc.Encrypt(sh.ClientSecret)
		if err != nil {
			return fmt.Errorf("encrypting client secret: %w", err)
		}
		query = `UPDATE shops SET name = ?, url = ?, client_id = ?, encrypted_client_secret = ?,
			connection_issue_count = 0, updated_at = ? WHERE id = ?`
		args = []any{sh.Name, sh.URL, sh.ClientID, secret, now.Format(time.RFC3339), sh.ID}
		sh.ClientSecret = ""
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating shop: %w", err)
	}
	return expectOne(res)
}

// Delete removes a shop and, through cascades, its snapshot, changelogs and
// subscriptions.
func (s *Service) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting shop: %w", err)
	}
	return expectOne(res)
}

// ClientSecret decrypts the stored client secret of sh.
func (s *Service) ClientSecret(sh *Shop) (string, error) {
	secret, err := s.enc.Decrypt(sh.encryptedSecret)
	if err != nil {
		return "", fmt.Errorf("shop %s: %w", sh.ID, err)
	}
	return secret, nil
}

// MarkScrapeStarted stamps last_scraped_at.
func (s *Service) MarkScrapeStarted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE shops SET last_scraped_at = ? WHERE id = ?`,
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("marking scrape start: %w", err)
	}
	return nil
}

// RecordAuthFailure counts a connection issue and marks the shop red.
func (s *Service) RecordAuthFailure(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shops SET status = ?, last_scraped_error = ?,
			connection_issue_count = connection_issue_count + 1, updated_at = ?
		WHERE id = ?
	`, StatusRed, msg, s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("recording auth failure: %w", err)
	}
	return nil
}

// RecordFetchFailure marks the shop red without counting a connection issue.
func (s *Service) RecordFetchFailure(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shops SET status = ?, last_scraped_error = ?, updated_at = ? WHERE id = ?
	`, StatusRed, msg, s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("recording fetch failure: %w", err)
	}
	return nil
}

// ResetConnectionIssues re-enables a shop skipped by the scheduler.
func (s *Service) ResetConnectionIssues(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shops SET connection_issue_count = 0, last_scraped_error = NULL, updated_at = ? WHERE id = ?
	`, s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("resetting connection issues: %w", err)
	}
	return expectOne(res)
}

// ApplyScrape writes the outcome of a successful scrape inside tx. The last
// changelog summary is only replaced when u carries one.
func (s *Service) ApplyScrape(ctx context.Context, tx database.DBTX, id string, u ScrapeUpdate) error {
	now := s.now().UTC().Format(time.RFC3339)
	var favicon any
	if u.Favicon != "" {
		favicon = u.Favicon
	}

	query := `UPDATE shops SET status = ?, shopware_version = ?, favicon = ?,
		last_scraped_error = NULL, connection_issue_count = 0, updated_at = ?`
	args := []any{u.Status, u.ShopwareVersion, favicon, now}
	if u.LastChangelog != nil {
		data, err := json.Marshal(u.LastChangelog)
		if err != nil {
			return fmt.Errorf("encoding last changelog: %w", err)
		}
		query += `, last_changelog = ?`
		args = append(args, string(data))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("applying scrape: %w", err)
	}
	return nil
}

// AddChangelog appends a changelog row inside tx.
func (s *Service) AddChangelog(ctx context.Context, tx database.DBTX, c *Changelog) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	if c.Extensions == nil {
		c.Extensions = []extension.DiffEntry{}
	}
	exts, err := json.Marshal(c.Extensions)
	if err != nil {
		return fmt.Errorf("encoding changelog extensions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shop_changelogs (id, shop_id, extensions, old_shopware_version, new_shopware_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.ShopID, string(exts), c.OldShopwareVersion, c.NewShopwareVersion,
		c.CreatedAt.UTC().Format(sortableTime))
	if err != nil {
		return fmt.Errorf("adding changelog: %w", err)
	}
	return nil
}

// ListChangelogs returns the newest changelogs of a shop first.
func (s *Service) ListChangelogs(ctx context.Context, shopID string, limit int) ([]Changelog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, extensions, old_shopware_version, new_shopware_version, created_at
		FROM shop_changelogs WHERE shop_id = ? ORDER BY created_at DESC LIMIT ?
	`, shopID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing changelogs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Changelog
	for rows.Next() {
		var c Changelog
		var exts, created string
		var oldV, newV sql.NullString
		if err := rows.Scan(&c.ID, &c.ShopID, &exts, &oldV, &newV, &created); err != nil {
			return nil, fmt.Errorf("scanning changelog: %w", err)
		}
		if err := json.Unmarshal([]byte(exts), &c.Extensions); err != nil {
			return nil, fmt.Errorf("decoding changelog extensions: %w", err)
		}
		c.OldShopwareVersion = nullString(oldV)
		c.NewShopwareVersion = nullString(newV)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetIgnores replaces the finding IDs that never escalate the shop status.
func (s *Service) SetIgnores(ctx context.Context, id string, ignores []string) error {
	if ignores == nil {
		ignores = []string{}
	}
	data, err := json.Marshal(ignores)
	if err != nil {
		return fmt.Errorf("encoding ignores: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE shops SET ignores = ?, updated_at = ? WHERE id = ?`,
		string(data), s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting ignores: %w", err)
	}
	return expectOne(res)
}

// sortableTime keeps a fixed width so changelog rows order lexically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanShop(row scanner) (*Shop, error) {
	var sh Shop
	var favicon, lastScraped, lastErr, lastChangelog sql.NullString
	var ignores, created, updated string
	err := row.Scan(&sh.ID, &sh.Name, &sh.URL, &sh.ClientID, &sh.encryptedSecret, &sh.Status,
		&sh.ShopwareVersion, &favicon, &lastScraped, &lastErr,
		&sh.ConnectionIssueCount, &lastChangelog, &ignores, &created, &updated)
	if err != nil {
		return nil, err
	}

	sh.Favicon = nullString(favicon)
	sh.LastScrapedError = nullString(lastErr)
	if lastScraped.Valid {
		t := parseTime(lastScraped.String)
		sh.LastScrapedAt = &t
	}
	if lastChangelog.Valid && lastChangelog.String != "" {
		var summary ChangelogSummary
		if err := json.Unmarshal([]byte(lastChangelog.String), &summary); err == nil {
			sh.LastChangelog = &summary
		}
	}
	if err := json.Unmarshal([]byte(ignores), &sh.Ignores); err != nil || sh.Ignores == nil {
		sh.Ignores = []string{}
	}
	sh.CreatedAt = parseTime(created)
	sh.UpdatedAt = parseTime(updated)
	return &sh, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// PruneChangelogs deletes changelogs created before cutoff.
func (s *Service) PruneChangelogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shop_changelogs WHERE created_at < ?`,
		cutoff.UTC().Format(sortableTime))
	if err != nil {
		return 0, fmt.Errorf("pruning changelogs: %w", err)
	}
	return res.RowsAffected()
}
