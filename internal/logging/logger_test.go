package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fprintd/internal/logging"
)

func newConsole(t *testing.T, level string) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, closeLog, err := logging.New(logging.Options{Format: "console", Level: level, Console: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = closeLog() })
	return logger, &buf
}

func TestConsolePrefixesComponentAndDevice(t *testing.T) {
	logger, buf := newConsole(t, "info")

	logging.NewComponentLogger(logger, "session").Info("operation started",
		logging.String(logging.FieldDeviceID, "virtual-0"),
		logging.String(logging.FieldOperation, "enroll"),
	)

	line := buf.String()
	if strings.Contains(line, ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", line)
	}
	if !strings.Contains(line, "INFO  session[virtual-0]: operation started") {
		t.Fatalf("expected component and device prefix, got %q", line)
	}
	if strings.Contains(line, "device_id=") || strings.Contains(line, "component=") {
		t.Fatalf("prefix fields repeated as key=value: %q", line)
	}
	if !strings.Contains(line, "operation=enroll") {
		t.Fatalf("expected key=value attribute, got %q", line)
	}
}

func TestConsoleOrdersFields(t *testing.T) {
	logger, buf := newConsole(t, "info")

	logging.WarnWithContext(logger, "template save failed", "template_save_failed",
		logging.Error(errors.New("disk full")),
		logging.Int("attempt", 2),
		logging.String(logging.FieldFinger, "left-thumb"),
		logging.String(logging.FieldSessionID, "s-1"),
	)

	line := strings.TrimSpace(buf.String())
	order := []string{"session_id=s-1", "finger=left-thumb", "event_type=template_save_failed", "attempt=2", `error="disk full"`, "error_hint=", "impact="}
	last := -1
	for _, token := range order {
		idx := strings.Index(line, token)
		if idx < 0 {
			t.Fatalf("missing %q in %q", token, line)
		}
		if idx < last {
			t.Fatalf("%q out of order in %q", token, line)
		}
		last = idx
	}
}

func TestConsoleIncludesCallerForDebug(t *testing.T) {
	logger, buf := newConsole(t, "debug")
	logger.Info("message with caller")
	if !strings.Contains(buf.String(), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", buf.String())
	}
}

func TestLogFileReceivesJSONLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "fprintd-run.log")
	var console bytes.Buffer
	logger, closeLog, err := logging.New(logging.Options{Format: "json", Level: "warning", Console: &console, LogFile: logPath})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("dropped below level")
	logger.Warn("json message", logging.String("k", "v"))
	if err := closeLog(); err != nil {
		t.Fatalf("close: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Equal(content, console.Bytes()) {
		t.Fatalf("console and file differ:\n%s\n%s", console.Bytes(), content)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(content), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry["msg"] != "json message" || entry["level"] != "warn" || entry["k"] != "v" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", entry)
	}
}

func TestNewRejectsUnknownFormatAndLevel(t *testing.T) {
	if _, _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, _, err := logging.New(logging.Options{Level: "verbose"}); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logging.WarnWithContext(logger, "fallback engaged", "storage_fallback", logging.String(logging.FieldImpact, "file backend in use"))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry[logging.FieldEventType] != "storage_fallback" {
		t.Fatalf("event_type missing: %v", entry)
	}
	if entry[logging.FieldErrorHint] == nil {
		t.Fatalf("error_hint missing: %v", entry)
	}
	if entry[logging.FieldImpact] != "file backend in use" {
		t.Fatalf("impact overwritten: %v", entry)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := logging.WithConnectionID(context.Background(), "conn-1")
	ctx = logging.WithSessionID(ctx, "sess-9")
	logging.WithContext(ctx, logger).Info("contextual log")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if entry[logging.FieldConnectionID] != "conn-1" || entry[logging.FieldSessionID] != "sess-9" {
		t.Fatalf("context fields missing: %v", entry)
	}
}

func TestPruneRunLogsKeepsCurrentAndRecent(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, logging.RunLogName("old"))
	current := filepath.Join(dir, logging.RunLogName("current"))
	recent := filepath.Join(dir, logging.RunLogName("recent"))
	unrelated := filepath.Join(dir, "templates.db")
	for _, path := range []string{old, current, recent, unrelated} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	past := time.Now().AddDate(0, 0, -30)
	for _, path := range []string{old, current, unrelated} {
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	if removed := logging.PruneRunLogs(logging.NewNop(), dir, 7, current); removed != 1 {
		t.Fatalf("removed %d logs, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected old log to be pruned, stat err=%v", err)
	}
	for _, path := range []string{current, recent, unrelated} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to remain: %v", path, err)
		}
	}
	if removed := logging.PruneRunLogs(logging.NewNop(), dir, 0, current); removed != 0 {
		t.Fatalf("retention 0 removed %d logs", removed)
	}
}
