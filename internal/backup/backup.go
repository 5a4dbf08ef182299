// Package backup takes online SQLite snapshots with VACUUM INTO and prunes
// them by count and age.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "shopmon-"
	stampFmt   = "20060102-150405"
)

// backupPattern matches backup filenames: shopmon-YYYYMMDD-HHMMSS.db
var backupPattern = regexp.MustCompile(`^shopmon-\d{8}-\d{6}\.db$`)

// ErrInvalidName is returned for filenames outside the backup pattern.
var ErrInvalidName = errors.New("invalid backup filename")

// Info describes a backup file.
type Info struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Policy bounds how many backups are kept. MaxAgeDays of zero disables
// age-based pruning.
type Policy struct {
	Retention  int
	MaxAgeDays int
}

// Service manages database backups.
type Service struct {
	db     *sql.DB
	dir    string
	mu     sync.RWMutex
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a backup service writing into dir.
func NewService(db *sql.DB, dir string, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		dir:    dir,
		policy: policy,
		logger: logger.With(slog.String("component", "backup")),
		now:    time.Now,
	}
}

// Backup creates a snapshot of the database.
func (s *Service) Backup(ctx context.Context) (*Info, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	now := s.now().UTC()
	filename := filePrefix + now.Format(stampFmt) + ".db"
	dest := filepath.Join(s.dir, filename)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("backup %s already exists", filename)
	}

	s.logger.Info("starting backup", slog.String("dest", dest))
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return nil, fmt.Errorf("VACUUM INTO: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup file: %w", err)
	}
	s.logger.Info("backup complete",
		slog.String("filename", filename),
		slog.Int64("size", info.Size()))

	return &Info{Filename: filename, Size: info.Size(), CreatedAt: now}, nil
}

// List returns all backup files, newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !backupPattern.MatchString(entry.Name()) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), filePrefix), ".db")
		ts, err := time.Parse(stampFmt, stamp)
		if err != nil {
			ts = fi.ModTime()
		}
		backups = append(backups, Info{Filename: entry.Name(), Size: fi.Size(), CreatedAt: ts})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Delete removes a single backup file by filename.
func (s *Service) Delete(filename string) error {
	if !IsValidFilename(filename) {
		return ErrInvalidName
	}
	if err := os.Remove(filepath.Join(s.dir, filename)); err != nil { //nolint:gosec // G703: filename validated above
		return fmt.Errorf("removing backup: %w", err)
	}
	s.logger.Info("backup deleted", slog.String("filename", filename))
	return nil
}

// SetPolicy replaces the pruning policy, typically after a config reload.
func (s *Service) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	s.logger.Info("backup policy updated",
		slog.Int("retention", p.Retention),
		slog.Int("max_age_days", p.MaxAgeDays))
}

// Policy returns the current pruning policy.
func (s *Service) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Prune deletes backups beyond the retention count and older than the max
// age. It returns how many files were removed.
func (s *Service) Prune() (int, error) {
	p := s.Policy()

	backups, err := s.List()
	if err != nil {
		return 0, err
	}

	var cutoff time.Time
	if p.MaxAgeDays > 0 {
		cutoff = s.now().UTC().AddDate(0, 0, -p.MaxAgeDays)
	}

	removed := 0
	for i, b := range backups {
		overCount := p.Retention > 0 && i >= p.Retention
		tooOld := !cutoff.IsZero() && b.CreatedAt.Before(cutoff)
		if !overCount && !tooOld {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, b.Filename)); err != nil {
			s.logger.Warn("failed to remove old backup",
				slog.String("filename", b.Filename),
				slog.Any("error", err))
			continue
		}
		removed++
		s.logger.Info("pruned backup", slog.String("filename", b.Filename))
	}
	return removed, nil
}

// Dir returns the backup directory path.
func (s *Service) Dir() string {
	return s.dir
}

// StartScheduler runs backups on a fixed interval until the context is
// canceled. A non-positive interval disables scheduled backups.
func (s *Service) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Info("backup scheduler disabled")
		return
	}
	s.logger.Info("backup scheduler started", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("backup scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Backup(ctx); err != nil {
				s.logger.Error("scheduled backup failed", slog.Any("error", err))
				continue
			}
			if _, err := s.Prune(); err != nil {
				s.logger.Error("backup prune failed", slog.Any("error", err))
			}
		}
	}
}

// IsValidFilename reports whether filename is a backup name without path
// components.
func IsValidFilename(filename string) bool {
	if strings.ContainsAny(filename, `/\`) || strings.Contains(filename, "..") {
		return false
	}
	return backupPattern.MatchString(filename)
}
