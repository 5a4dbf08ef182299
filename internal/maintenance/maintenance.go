// Package maintenance runs periodic housekeeping: expired lock cleanup,
// retention pruning of changelogs and read notifications, and SQLite
// optimization.
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const lastRunKey = "maintenance.last_run_at"

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	PruneChangelogs(ctx context.Context, cutoff time.Time) (int64, error)
}

// NotificationPruner deletes read notifications older than a cutoff.
type NotificationPruner interface {
	PruneRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// LockPurger removes expired locks.
type LockPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Retention controls how long history is kept. Zero keeps forever.
type Retention struct {
	Changelogs    time.Duration
	Notifications time.Duration
}

// Status holds database maintenance status information.
type Status struct {
	DBFileSize  int64  `json:"db_file_size"`
	WALFileSize int64  `json:"wal_file_size"`
	PageCount   int64  `json:"page_count"`
	PageSize    int64  `json:"page_size"`
	LastRunAt   string `json:"last_run_at,omitempty"`
}

// Report summarizes one maintenance run.
type Report struct {
	LocksPurged         int64 `json:"locks_purged"`
	ChangelogsPruned    int64 `json:"changelogs_pruned"`
	NotificationsPruned int64 `json:"notifications_pruned"`
}

// Service provides database maintenance operations.
type Service struct {
	db            *sql.DB
	dbPath        string
	locks         LockPurger
	changelogs    Pruner
	notifications NotificationPruner
	retention     Retention
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a maintenance service.
func NewService(db *sql.DB, dbPath string, locks LockPurger, changelogs Pruner,
	notifications NotificationPruner, retention Retention, logger *slog.Logger) *Service {
	return &Service{
		db:            db,
		dbPath:        dbPath,
		locks:         locks,
		changelogs:    changelogs,
		notifications: notifications,
		retention:     retention,
		logger:        logger.With(slog.String("component", "maintenance")),
		now:           time.Now,
	}
}

// Status returns current database maintenance status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBFileSize = info.Size()
	}
	if info, err := os.Stat(s.dbPath + "-wal"); err == nil {
		st.WALFileSize = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&st.PageCount); err != nil {
		return nil, fmt.Errorf("reading page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&st.PageSize); err != nil {
		return nil, fmt.Errorf("reading page_size: %w", err)
	}

	var last string
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, lastRunKey).Scan(&last); err == nil {
		st.LastRunAt = last
	}
	return st, nil
}

// Run performs one full maintenance pass. Each step is attempted even when
// an earlier one fails; the first error is returned.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	var rep Report
	var firstErr error
	keep := func(err error) {
		if err != nil {
			s.logger.Error("maintenance step failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	now := s.now().UTC()
	var err error
	rep.LocksPurged, err = s.locks.PurgeExpired(ctx)
	keep(err)
	if s.retention.Changelogs > 0 {
		rep.ChangelogsPruned, err = s.changelogs.PruneChangelogs(ctx, now.Add(-s.retention.Changelogs))
		keep(err)
	}
	if s.retention.Notifications > 0 {
		rep.NotificationsPruned, err = s.notifications.PruneRead(ctx, now.Add(-s.retention.Notifications))
		keep(err)
	}
	keep(s.Optimize(ctx))

	stamp := now.Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		lastRunKey, stamp, stamp)
	keep(err)

	s.logger.Info("maintenance complete",
		"locks_purged", rep.LocksPurged,
		"changelogs_pruned", rep.ChangelogsPruned,
		"notifications_pruned", rep.NotificationsPruned,
	)
	return &rep, firstErr
}

// Optimize runs PRAGMA optimize followed by a WAL checkpoint.
func (s *Service) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("PRAGMA optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("WAL checkpoint: %w", err)
	}
	return nil
}

// StartScheduler runs maintenance on a fixed interval until the context is
// canceled.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("maintenance scheduler disabled")
		return
	}
	s.logger.Info("maintenance scheduler started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("scheduled maintenance failed", slog.Any("error", err))
			}
		}
	}
}
