package snapshot

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/checker"
	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/extension"
	"github.com/sydlexius/shopmon/internal/shopware"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`INSERT INTO shops (id, name, url, client_id, encrypted_client_secret, created_at, updated_at)
		VALUES ('s1', 'Demo', 'https://demo.test', 'id', 'x', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("seeding shop: %v", err)
	}
	return db
}

func newStore(t *testing.T) (*Store, *sql.DB) {
	db := setupTestDB(t)
	return NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil))), db
}

func TestLoad_Absent(t *testing.T) {
	store, _ := newStore(t)
	snap, err := store.Load(context.Background(), "s1")
	if err != nil || snap != nil {
		t.Errorf("Load = %v, %v; want nil, nil", snap, err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	snap := &Snapshot{
		Extensions:     []extension.Extension{{Name: "SwagPayPal", Version: "1.0.0", Active: true, Installed: true}},
		ScheduledTasks: []shopware.ScheduledTask{{Name: "cleanup", Interval: 7200}},
		Queues:         []shopware.QueueEntry{{Name: "default", Size: 3}},
		Cache:          &shopware.CacheInfo{Environment: "prod"},
		Checks:         []checker.Finding{{ID: "task", Level: checker.Green, Source: "task"}},
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.Save(ctx, db, "s1", snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load(ctx, "s1")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if len(got.Extensions) != 1 || got.Extensions[0].Name != "SwagPayPal" {
		t.Errorf("Extensions = %+v", got.Extensions)
	}
	if got.Cache == nil || got.Cache.Environment != "prod" || len(got.Queues) != 1 || len(got.Checks) != 1 {
		t.Errorf("snapshot lost fields: %+v", got)
	}

	snap.Extensions = nil
	if err := store.Save(ctx, db, "s1", snap); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Load(ctx, "s1")
	if len(got.Extensions) != 0 {
		t.Error("second save merged instead of replacing")
	}
}

func TestLoad_CorruptOrOldFormat(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO shop_scrape_info (shop_id, format_version, data, created_at) VALUES ('s1', ?, ?, '')`,
		FormatVersion, []byte("not gzip")); err != nil {
		t.Fatal(err)
	}
	if snap, err := store.Load(ctx, "s1"); err != nil || snap != nil {
		t.Errorf("corrupt Load = %v, %v", snap, err)
	}

	good, _ := encode(&Snapshot{})
	if _, err := db.Exec(`UPDATE shop_scrape_info SET format_version = ?, data = ? WHERE shop_id = 's1'`,
		FormatVersion+1, good); err != nil {
		t.Fatal(err)
	}
	if snap, err := store.Load(ctx, "s1"); err != nil || snap != nil {
		t.Errorf("wrong format Load = %v, %v", snap, err)
	}
}

func TestSave_RolledBack(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, tx, "s1", &Snapshot{CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	_ = tx.Rollback()

	if snap, _ := store.Load(ctx, "s1"); snap != nil {
		t.Error("rolled back snapshot is visible")
	}
}
