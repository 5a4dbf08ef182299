package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogging_RequestIDAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	handler := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom?token=hunter-two", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing generated request ID")
	}
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "status=502") {
		t.Errorf("log = %q", out)
	}
	if strings.Contains(out, "hunter-two") {
		t.Errorf("token leaked into log: %q", out)
	}

	buf.Reset()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-42" {
		t.Errorf("request ID = %q, want caller's", got)
	}
	if buf.Len() != 0 {
		t.Errorf("health probe logged at info: %q", buf.String())
	}
}

func TestScrubQuery_Unparseable(t *testing.T) {
	if got := scrubQuery("a=%zz"); got != "[unparseable]" {
		t.Errorf("scrubQuery = %q", got)
	}
}
