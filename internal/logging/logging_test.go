package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sydlexius/shopmon/internal/config"
)

func TestManager_LevelSwap(t *testing.T) {
	mgr, logger := NewManager(config.LoggingConfig{Level: "info", Format: "json"})
	defer mgr.Close() //nolint:errcheck

	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be disabled")
	}

	mgr.Apply(config.LoggingConfig{Level: "debug", Format: "json"})
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be enabled after Apply")
	}

	mgr.Apply(config.LoggingConfig{Level: "error", Format: "json"})
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled when level is error")
	}
	if mgr.Level() != slog.LevelError {
		t.Errorf("Level() = %v, want error", mgr.Level())
	}
}

func TestManager_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "shopmon.log")
	mgr, logger := NewManager(config.LoggingConfig{Level: "info", Format: "json", FilePath: logFile})

	logger.Info("scrape finished", slog.String("client_secret", "hunter2"))

	if err := mgr.Close(); err != nil {
		t.Fatalf("closing manager: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "scrape finished") {
		t.Error("expected log file to contain the message")
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("client secret leaked into log output")
	}
}

func TestRedact(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redact})
	slog.New(h).Info("x", "token", "abc", "shop_id", "s1")

	out := buf.String()
	if strings.Contains(out, "abc") {
		t.Errorf("token not redacted: %s", out)
	}
	if !strings.Contains(out, "shop_id=s1") {
		t.Errorf("unrelated attr dropped: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in  string
		out slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.out {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.out)
		}
	}
}
