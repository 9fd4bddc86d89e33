package logger

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
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid text logger",
			config: Config{Level: "info", Format: "text", Output: "stdout", Component: "test"},
		},
		{
			name:   "valid json logger",
			config: Config{Level: "debug", Format: "json", Output: "stderr", Component: "test"},
		},
		{
			name:   "invalid log level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "stdout"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, l := range lines {
		if l["msg"] != "shown" {
			t.Errorf("unexpected message %v", l["msg"])
		}
	}
}

func TestDefaultAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json", Component: "reporter", Version: "1.2.3", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info("hello", "records", 3)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["service"] != "gec" {
		t.Errorf("service = %v, want gec", entry["service"])
	}
	if entry["component"] != "reporter" {
		t.Errorf("component = %v, want reporter", entry["component"])
	}
	if entry["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", entry["version"])
	}
	if entry["records"] != float64(3) {
		t.Errorf("records = %v, want 3", entry["records"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(Config{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	base.WithComponent("spool").Info("scan")
	base.WithComponent("scheduler").Info("tick")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["component"] != "spool" || lines[1]["component"] != "scheduler" {
		t.Errorf("unexpected components: %s", buf.String())
	}
	if lines[0]["service"] != "gec" {
		t.Errorf("child logger lost base attributes: %s", buf.String())
	}
}

type codedError struct{ code int }

func (e *codedError) Error() string { return "coded failure" }

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.ErrorEvent(context.Background(), "sync failed", &codedError{code: 503}, slog.Int("records", 4))
	logger.ErrorEvent(context.Background(), "no error given", nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	first := lines[0]
	if first["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", first["level"])
	}
	if first["error"] != "coded failure" {
		t.Errorf("error = %v", first["error"])
	}
	if first["error_type"] != "*logger.codedError" {
		t.Errorf("error_type = %v", first["error_type"])
	}
	if first["records"] != float64(4) {
		t.Errorf("records = %v", first["records"])
	}

	if _, ok := lines[1]["error"]; ok {
		t.Error("nil error should not produce an error attribute")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gec.log")

	logger, err := New(Config{Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing message: %s", data)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: "text", Writer: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	logger.Info("plain", "status", "sent")

	out := buf.String()
	if !strings.Contains(out, "msg=plain") || !strings.Contains(out, "status=sent") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestInitializeSetsDefault(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if _, err := Initialize(Config{Level: "debug", Format: "json", Writer: &buf}); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	slog.Info("via default", "ok", true)
	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("slog default does not write through initialized logger: %s", buf.String())
	}
}

func TestNewLoggerFileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// A regular file cannot be used as a directory
	_, err := New(Config{Output: filepath.Join(blocker, "gec.log")})
	if err == nil {
		t.Fatal("expected error for log path under a regular file")
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Errorf("expected *os.PathError in chain, got %T", err)
	}
}
