// Package lock implements an expiring, database-backed lease. A holder that
// crashes never releases its lease; the row simply becomes claimable once
// expires_at has passed.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service grants and releases named leases.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates a lock service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// TryAcquire claims key for ttl. It returns false without error when another
// holder owns an unexpired lease. Use it for leases that are never released
// early and simply run out.
func (s *Service) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	owner, err := s.Acquire(ctx, key, ttl)
	return owner != "", err
}

// Acquire claims key for ttl and returns the owner token that Release needs.
// The token is empty when another holder owns an unexpired lease.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	now := s.now()
	owner := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?
	`, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if n != 1 {
		return "", nil
	}
	return owner, nil
}

// Release drops the lease on key if owner still holds it. A lease that
// expired and was taken over by someone else is left alone. Releasing an
// unheld key is a no-op.
func (s *Service) Release(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes leases that can no longer block anyone.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purging expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
