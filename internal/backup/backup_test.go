package backup

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/database"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(context.Background(),
		`INSERT INTO settings (key, value) VALUES ('probe', 'hello')`)
	if err != nil {
		t.Fatalf("inserting row: %v", err)
	}
	return db
}

func newTestService(t *testing.T, policy Policy) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(setupTestDB(t), filepath.Join(t.TempDir(), "backups"), policy, logger)
}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func writeFake(t *testing.T, dir string, at time.Time) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	name := filePrefix + at.UTC().Format(stampFmt) + ".db"
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestBackup(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})

	info, err := svc.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !IsValidFilename(info.Filename) {
		t.Errorf("filename %q does not match pattern", info.Filename)
	}
	if info.Size == 0 {
		t.Error("expected non-zero file size")
	}

	backupDB, err := sql.Open("sqlite", filepath.Join(svc.Dir(), info.Filename))
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backupDB.Close() //nolint:errcheck

	var value string
	err = backupDB.QueryRowContext(context.Background(),
		`SELECT value FROM settings WHERE key = 'probe'`).Scan(&value)
	if err != nil {
		t.Fatalf("querying backup: %v", err)
	}
	if value != "hello" {
		t.Errorf("expected 'hello', got %q", value)
	}
}

func TestBackup_SameSecondFails(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	if _, err := svc.Backup(context.Background()); err != nil {
		t.Fatalf("first Backup: %v", err)
	}
	if _, err := svc.Backup(context.Background()); err == nil {
		t.Error("expected error for duplicate backup name")
	}
}

func TestList_SortedNewestFirst(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})
	svc.now = stepClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("Backup %d: %v", i, err)
		}
	}
	if err := os.WriteFile(filepath.Join(svc.Dir(), "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	backups, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("expected 3 backups, got %d", len(backups))
	}
	if !backups[0].CreatedAt.After(backups[1].CreatedAt) {
		t.Error("expected backups sorted by date descending")
	}
}

func TestList_MissingDir(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})

	backups, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("expected 0 backups, got %d", len(backups))
	}
}

func TestPrune_ByCount(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 2})
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		writeFake(t, svc.Dir(), base.Add(time.Duration(i)*time.Minute))
	}

	removed, err := svc.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	backups, _ := svc.List()
	if len(backups) != 2 {
		t.Fatalf("expected 2 backups after prune, got %d", len(backups))
	}
}

func TestPrune_ByAge(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 100})
	recent := writeFake(t, svc.Dir(), time.Now())
	writeFake(t, svc.Dir(), time.Now().AddDate(0, 0, -60))

	svc.SetPolicy(Policy{Retention: 100, MaxAgeDays: 30})
	if _, err := svc.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	backups, err := svc.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup after age-based prune, got %d", len(backups))
	}
	if backups[0].Filename != recent {
		t.Errorf("expected recent backup to survive, got %s", backups[0].Filename)
	}
}

func TestDelete(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})

	info, err := svc.Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := svc.Delete(info.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	backups, _ := svc.List()
	if len(backups) != 0 {
		t.Errorf("expected 0 backups after delete, got %d", len(backups))
	}

	if err := svc.Delete("../evil.db"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Delete(traversal) = %v, want ErrInvalidName", err)
	}
	if err := svc.Delete("shopmon-20260101-000000.db"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestStartScheduler_Disabled(t *testing.T) {
	svc := newTestService(t, Policy{Retention: 7})
	done := make(chan struct{})
	go func() {
		svc.StartScheduler(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled scheduler did not return")
	}
}

func TestIsValidFilename(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid", "shopmon-20260220-143022.db", true},
		{"path traversal", "../shopmon-20260220-143022.db", false},
		{"backslash", "..\\shopmon-20260220-143022.db", false},
		{"wrong prefix", "backup-20260220-143022.db", false},
		{"wrong extension", "shopmon-20260220-143022.sql", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidFilename(tt.input); got != tt.want {
				t.Errorf("IsValidFilename(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
