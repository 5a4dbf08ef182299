package shop

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/encryption"
	"github.com/sydlexius/shopmon/internal/extension"
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
	return db
}

func setupService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	key, err := encryption.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := encryption.NewEncryptor(key)
	if err != nil {
		t.Fatal(err)
	}
	return NewService(db, enc), db
}

func createShop(t *testing.T, svc *Service) *Shop {
	t.Helper()
	sh := &Shop{Name: "Demo", URL: "https://demo.example.com/", ClientID: "SWIA1", ClientSecret: "s3cret"}
	if err := svc.Create(context.Background(), sh); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sh
}

func TestCreateAndGet(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)

	if sh.URL != "https://demo.example.com" {
		t.Errorf("URL = %q, trailing slash not trimmed", sh.URL)
	}

	var stored string
	if err := db.QueryRowContext(ctx, `SELECT encrypted_client_secret FROM shops WHERE id = ?`, sh.ID).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored == "s3cret" {
		t.Error("client secret stored in plaintext")
	}

	got, err := svc.Get(ctx, sh.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusGreen || got.ConnectionIssueCount != 0 || len(got.Ignores) != 0 {
		t.Errorf("unexpected fresh shop: %+v", got)
	}
	secret, err := svc.ClientSecret(got)
	if err != nil || secret != "s3cret" {
		t.Errorf("ClientSecret = %q, %v", secret, err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := setupService(t)
	tests := []struct {
		name string
		shop Shop
	}{
		{"missing name", Shop{URL: "https://x.test", ClientID: "a", ClientSecret: "b"}},
		{"bad url", Shop{Name: "x", URL: "not a url", ClientID: "a", ClientSecret: "b"}},
		{"missing client id", Shop{Name: "x", URL: "https://x.test", ClientSecret: "b"}},
		{"missing secret", Shop{Name: "x", URL: "https://x.test", ClientID: "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sh := tt.shop
			if err := svc.Create(context.Background(), &sh); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _ := setupService(t)
	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := svc.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_KeepsSecretWhenEmpty(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)

	sh.Name = "Renamed"
	if err := svc.Update(ctx, sh); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := svc.Get(ctx, sh.ID)
	if got.Name != "Renamed" {
		t.Errorf("Name = %q", got.Name)
	}
	if secret, _ := svc.ClientSecret(got); secret != "s3cret" {
		t.Errorf("secret changed to %q", secret)
	}

	got.ClientSecret = "rotated"
	if err := svc.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Get(ctx, sh.ID)
	if secret, _ := svc.ClientSecret(got); secret != "rotated" {
		t.Errorf("secret = %q, want rotated", secret)
	}
}

func TestConnectionIssueTracking(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)

	for range MaxConnectionIssues {
		if err := svc.RecordAuthFailure(ctx, sh.ID, "invalid credentials"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := svc.Get(ctx, sh.ID)
	if got.ConnectionIssueCount != MaxConnectionIssues || !got.Disabled() {
		t.Errorf("count = %d, disabled = %v", got.ConnectionIssueCount, got.Disabled())
	}
	if got.Status != StatusRed || got.LastScrapedError == nil || *got.LastScrapedError != "invalid credentials" {
		t.Errorf("unexpected shop after auth failure: %+v", got)
	}

	if err := svc.RecordFetchFailure(ctx, sh.ID, "timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Get(ctx, sh.ID)
	if got.ConnectionIssueCount != MaxConnectionIssues {
		t.Errorf("fetch failure changed count to %d", got.ConnectionIssueCount)
	}

	if err := svc.ResetConnectionIssues(ctx, sh.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Get(ctx, sh.ID)
	if got.ConnectionIssueCount != 0 || got.LastScrapedError != nil {
		t.Errorf("reset did not clear state: %+v", got)
	}
}

func TestApplyScrapeAndChangelog(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)
	_ = svc.RecordFetchFailure(ctx, sh.ID, "boom")

	oldV, newV := "6.5.0.0", "6.5.1.0"
	diff := []extension.DiffEntry{{Name: "SwagPayPal", State: extension.StateUpdated}}
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		if err := svc.ApplyScrape(ctx, tx, sh.ID, ScrapeUpdate{
			Status:          StatusYellow,
			ShopwareVersion: newV,
			Favicon:         "https://demo.example.com/favicon.ico",
			LastChangelog:   &ChangelogSummary{OldShopwareVersion: oldV, NewShopwareVersion: newV, Extensions: diff},
		}); err != nil {
			return err
		}
		return svc.AddChangelog(ctx, tx, &Changelog{ShopID: sh.ID, Extensions: diff, OldShopwareVersion: &oldV, NewShopwareVersion: &newV})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	got, _ := svc.Get(ctx, sh.ID)
	if got.Status != StatusYellow || got.ShopwareVersion != newV || got.LastScrapedError != nil {
		t.Errorf("unexpected shop after apply: %+v", got)
	}
	if got.LastChangelog == nil || got.LastChangelog.NewShopwareVersion != newV {
		t.Errorf("LastChangelog = %+v", got.LastChangelog)
	}

	logs, err := svc.ListChangelogs(ctx, sh.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || len(logs[0].Extensions) != 1 || *logs[0].NewShopwareVersion != newV {
		t.Errorf("changelogs = %+v", logs)
	}
}

func TestListChangelogs_NewestFirst(t *testing.T) {
	svc, db := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{0, 500 * time.Millisecond, time.Second} {
		c := &Changelog{ShopID: sh.ID, CreatedAt: base.Add(offset)}
		c.ID = string(rune('a' + i))
		if err := svc.AddChangelog(ctx, db, c); err != nil {
			t.Fatal(err)
		}
	}
	logs, _ := svc.ListChangelogs(ctx, sh.ID, 0)
	if len(logs) != 3 || logs[0].ID != "c" || logs[2].ID != "a" {
		t.Errorf("order = %v", logs)
	}
}

func TestSetIgnores(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	sh := createShop(t, svc)

	if err := svc.SetIgnores(ctx, sh.ID, []string{"task.cleanup", "worker.admin"}); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.Get(ctx, sh.ID)
	if len(got.Ignores) != 2 || got.Ignores[0] != "task.cleanup" {
		t.Errorf("Ignores = %v", got.Ignores)
	}

	all, err := svc.ListAll(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("ListAll = %v, %v", all, err)
	}
}
