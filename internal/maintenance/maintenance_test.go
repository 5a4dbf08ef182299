package maintenance

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/lock"
	"github.com/sydlexius/shopmon/internal/notification"
	"github.com/sydlexius/shopmon/internal/shop"
)

func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(dbPath)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, dbPath
}

func newService(t *testing.T, db *sql.DB, dbPath string, retention Retention) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := lock.NewService(db)
	return NewService(db, dbPath, locks, shop.NewService(db, nil),
		notification.NewService(db, locks, nil, logger), retention, logger)
}

func seed(t *testing.T, db *sql.DB) {
	t.Helper()
	old := time.Now().UTC().AddDate(-2, 0, 0)
	recent := time.Now().UTC().Add(-time.Hour)
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO shops (id, name, url, client_id, encrypted_client_secret, status, ignores, created_at, updated_at)
			VALUES ('s1', 'Demo', 'https://demo.example', 'id', 'x', 'green', '[]', ?, ?)`,
			[]any{recent.Format(time.RFC3339), recent.Format(time.RFC3339)}},
		{`INSERT INTO users (id, email, name, created_at) VALUES ('u1', 'a@example.com', 'A', ?)`,
			[]any{recent.Format(time.RFC3339)}},
		{`INSERT INTO shop_changelogs (id, shop_id, extensions, created_at) VALUES ('c-old', 's1', '[]', ?)`,
			[]any{old.Format("2006-01-02T15:04:05.000000000Z07:00")}},
		{`INSERT INTO shop_changelogs (id, shop_id, extensions, created_at) VALUES ('c-new', 's1', '[]', ?)`,
			[]any{recent.Format("2006-01-02T15:04:05.000000000Z07:00")}},
		{`INSERT INTO notifications (id, user_id, key, level, title, message, read, created_at)
			VALUES ('n-old-read', 'u1', 'k', 'info', 't', 'm', 1, ?)`, []any{old.Format(time.RFC3339)}},
		{`INSERT INTO notifications (id, user_id, key, level, title, message, read, created_at)
			VALUES ('n-old-unread', 'u1', 'k', 'info', 't', 'm', 0, ?)`, []any{old.Format(time.RFC3339)}},
		{`INSERT INTO notifications (id, user_id, key, level, title, message, read, created_at)
			VALUES ('n-new-read', 'u1', 'k', 'info', 't', 'm', 1, ?)`, []any{recent.Format(time.RFC3339)}},
		{`INSERT INTO locks (key, expires_at) VALUES ('stale', ?)`, []any{old.UnixMilli()}},
		{`INSERT INTO locks (key, expires_at) VALUES ('live', ?)`, []any{time.Now().Add(time.Hour).UnixMilli()}},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.query, s.args...); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
}

func count(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRun_PrunesByRetention(t *testing.T) {
	db, dbPath := setupTestDB(t)
	seed(t, db)
	svc := newService(t, db, dbPath, Retention{Changelogs: 365 * 24 * time.Hour, Notifications: 30 * 24 * time.Hour})

	rep, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.LocksPurged != 1 || rep.ChangelogsPruned != 1 || rep.NotificationsPruned != 1 {
		t.Errorf("report = %+v", rep)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM shop_changelogs WHERE id = 'c-new'`); n != 1 {
		t.Error("recent changelog was pruned")
	}
	if n := count(t, db, `SELECT COUNT(*) FROM notifications WHERE id = 'n-old-unread'`); n != 1 {
		t.Error("unread notification was pruned")
	}
	if n := count(t, db, `SELECT COUNT(*) FROM locks WHERE key = 'live'`); n != 1 {
		t.Error("live lock was purged")
	}
}

func TestRun_ZeroRetentionKeepsHistory(t *testing.T) {
	db, dbPath := setupTestDB(t)
	seed(t, db)
	svc := newService(t, db, dbPath, Retention{})

	rep, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.ChangelogsPruned != 0 || rep.NotificationsPruned != 0 {
		t.Errorf("report = %+v", rep)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM shop_changelogs`); n != 2 {
		t.Errorf("changelogs = %d, want 2", n)
	}
}

func TestStatus(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := newService(t, db, dbPath, Retention{})
	ctx := context.Background()

	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DBFileSize <= 0 || st.PageSize <= 0 || st.PageCount <= 0 {
		t.Errorf("status = %+v", st)
	}
	if st.LastRunAt != "" {
		t.Error("expected empty last run initially")
	}

	if _, err := svc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = svc.Status(ctx)
	if st.LastRunAt == "" {
		t.Error("last run not recorded")
	}
}

func TestStartScheduler_StopsOnCancel(t *testing.T) {
	db, dbPath := setupTestDB(t)
	svc := newService(t, db, dbPath, Retention{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.StartScheduler(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
