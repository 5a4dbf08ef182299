// Package snapshot stores the last successfully scraped state of each shop
// as one gzip-compressed JSON blob.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sydlexius/shopmon/internal/checker"
	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

// FormatVersion is bumped whenever the blob layout changes. Older blobs are
// treated as absent.
const FormatVersion = 1

// Snapshot is the complete captured state of one shop.
type Snapshot struct {
	Extensions     []extension.Extension    `json:"extensions"`
	ScheduledTasks []shopware.ScheduledTask `json:"scheduledTask"`
	Queues         []shopware.QueueEntry    `json:"queueInfo"`
	Cache          *shopware.CacheInfo      `json:"cacheInfo"`
	Checks         []checker.Finding        `json:"checks"`
	CreatedAt      time.Time                `json:"createdAt"`
}

// Store persists snapshots in shop_scrape_info.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a snapshot store.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With(slog.String("component", "snapshot"))}
}

// Load returns the stored snapshot for shopID. It returns nil without error
// when none exists, the blob is unreadable, or it was written by another
// format version.
func (s *Store) Load(ctx context.Context, shopID string) (*Snapshot, error) {
	return s.LoadWith(ctx, s.db, shopID)
}

// LoadWith is Load against an explicit connection or transaction.
func (s *Store) LoadWith(ctx context.Context, q database.DBTX, shopID string) (*Snapshot, error) {
	var version int
	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT format_version, data FROM shop_scrape_info WHERE shop_id = ?`, shopID,
	).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if version != FormatVersion {
		s.logger.Debug("ignoring snapshot with old format", "shop_id", shopID, "format_version", version)
		return nil, nil
	}

	snap, err := decode(data)
	if err != nil {
		s.logger.Warn("ignoring corrupt snapshot", "shop_id", shopID, "error", err)
		return nil, nil
	}
	return snap, nil
}

// Save replaces the snapshot for shopID inside tx.
func (s *Store) Save(ctx context.Context, tx database.DBTX, shopID string, snap *Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shop_scrape_info (shop_id, format_version, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(shop_id) DO UPDATE SET
			format_version = excluded.format_version,
			data = excluded.data,
			created_at = excluded.created_at`,
		shopID, FormatVersion, data, snap.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot for shopID.
func (s *Store) Delete(ctx context.Context, shopID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM shop_scrape_info WHERE shop_id = ?`, shopID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

func encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
