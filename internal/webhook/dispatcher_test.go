package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sydlexius/shopmon/internal/database"
	"github.com/sydlexius/shopmon/internal/event"
)

func setupDispatcherTest(t *testing.T) (*Service, *slog.Logger) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(db), logger
}

func newTestDispatcher(svc *Service, client *http.Client, logger *slog.Logger) *Dispatcher {
	d := NewDispatcherWithHTTPClient(svc, client, logger)
	d.backoff = func(int) time.Duration { return time.Millisecond }
	return d
}

func TestDispatcher_GenericWebhook(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "test",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"shop.alert"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ShopAlert,
		ShopID:    "shop-1",
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"key": "shop.update-fetch-error.shop-1"},
	})
	dispatcher.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive webhook payload")
	}
	if received["event"] != "shop.alert" {
		t.Errorf("event = %v, want shop.alert", received["event"])
	}
	if received["shop_id"] != "shop-1" {
		t.Errorf("shop_id = %v, want shop-1", received["shop_id"])
	}
}

func TestDispatcher_DiscordFormat(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var mu sync.Mutex
	var received map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&received) //nolint:errcheck
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "discord",
		URL:     srv.URL,
		Type:    TypeDiscord,
		Events:  []string{"shop.alert"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ShopAlert,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"title": "Shop unreachable", "message": "Fetch failed", "level": "error"},
	})
	dispatcher.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected to receive webhook payload")
	}
	embeds, ok := received["embeds"].([]any)
	if !ok || len(embeds) == 0 {
		t.Fatal("expected discord embeds array")
	}
	embed := embeds[0].(map[string]any)
	if embed["description"] != "Fetch failed" {
		t.Errorf("description = %v, want 'Fetch failed'", embed["description"])
	}
	if embed["title"] != "Shopmon: Shop unreachable" {
		t.Errorf("title = %v", embed["title"])
	}
	if embed["color"] != float64(colorError) {
		t.Errorf("color = %v, want error color", embed["color"])
	}
}

func TestDispatcher_RetryOn500(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "retry-test",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"shop.status.changed"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ShopStatusChanged,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if got := int(attempts.Load()); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestDispatcher_MaxRetries(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "maxretry-test",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"shop.scraped"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ShopScraped,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if got := int(attempts.Load()); got != maxRetries {
		t.Errorf("attempts = %d, want %d (max retries)", got, maxRetries)
	}
}

func TestDispatcher_NoMatchingWebhooks(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer srv.Close()

	w := &Webhook{
		Name:    "other",
		URL:     srv.URL,
		Type:    TypeGeneric,
		Events:  []string{"shop.scraped"},
		Enabled: true,
	}
	if err := svc.Create(context.Background(), w); err != nil {
		t.Fatal(err)
	}

	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.HandleEvent(event.Event{
		Type:      event.ShopAlert,
		Timestamp: time.Now().UTC(),
	})
	dispatcher.Wait()

	if attempts.Load() != 0 {
		t.Errorf("unsubscribed webhook received %d requests", attempts.Load())
	}
}

func TestDispatcher_AttachToBus(t *testing.T) {
	svc, logger := setupDispatcherTest(t)

	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
	}))
	defer srv.Close()

	if err := svc.Create(context.Background(), &Webhook{
		Name: "bus", URL: srv.URL, Events: []string{"shop.alert"}, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus(logger, 8)
	dispatcher := newTestDispatcher(svc, srv.Client(), logger)
	dispatcher.Attach(bus)
	go bus.Start()
	defer bus.Stop()

	bus.Publish(event.Event{Type: event.ShopAlert, Timestamp: time.Now().UTC()})

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered through the bus")
	}
}

func TestFormatGotifyPriority(t *testing.T) {
	body, _ := formatGotify(event.Event{Type: event.ShopAlert, Data: map[string]any{"level": "error", "message": "down"}})
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["priority"] != float64(8) || payload["message"] != "down" {
		t.Errorf("payload = %v", payload)
	}
}
