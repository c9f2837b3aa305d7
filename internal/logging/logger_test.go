package logging_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"creativepipe/internal/config"
	"creativepipe/internal/logging"
	"creativepipe/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
	logger.Debug("debug message")
	logger.Sync() //nolint:errcheck // ignore sync errors on stdout
}

func TestFileLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "info.log")
	logger, err := logging.New(logging.Options{
		Format:        "console",
		Level:         "info",
		File:          logPath,
		DisableStdout: true,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")
	logger.Sync() //nolint:errcheck

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "message without caller") {
		t.Fatalf("expected message in log file, got %q", content)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestFileLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "debug.log")
	logger, err := logging.New(logging.Options{
		Format:        "json",
		Level:         "debug",
		File:          logPath,
		DisableStdout: true,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")
	logger.Sync() //nolint:errcheck

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithCampaignID(ctx, "cmp-1")
	ctx = services.WithStage(ctx, "overlay")
	ctx = services.WithLocale(ctx, "de")
	ctx = services.WithCorrelationID(ctx, "req-xyz")

	core, observed := observer.New(zap.InfoLevel)
	logging.WithContext(ctx, zap.New(core)).Info("contextual log")

	records := observed.All()
	if len(records) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(records))
	}
	got := map[string]string{}
	for _, f := range records[0].Context {
		if f.Type == zapcore.StringType {
			got[f.Key] = f.String
		}
	}
	want := map[string]string{
		logging.FieldCampaignID:    "cmp-1",
		logging.FieldStage:         "overlay",
		logging.FieldLocale:        "de",
		logging.FieldCorrelationID: "req-xyz",
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("field %s = %q, want %q", key, got[key], value)
		}
	}
	if _, ok := got[logging.FieldAspectRatio]; ok {
		t.Fatal("did not expect aspect ratio field")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	logging.WarnWithContext(zap.New(core), "slow", "stage_slow", logging.ErrorHint("raise ack_wait"))

	entry := observed.All()[0]
	fields := entry.ContextMap()
	if fields[logging.FieldEventType] != "stage_slow" {
		t.Fatalf("unexpected event type: %v", fields[logging.FieldEventType])
	}
	if fields[logging.FieldErrorHint] != "raise ack_wait" {
		t.Fatalf("expected caller hint preserved, got %v", fields[logging.FieldErrorHint])
	}
	if fields[logging.FieldImpact] == nil {
		t.Fatal("expected impact default")
	}
}
