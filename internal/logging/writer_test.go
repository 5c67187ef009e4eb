package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/cms-edge/internal/config"
)

func TestRotatingWriter_CreateFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", string(data), "hello\n")
	}
}

func TestRotatingWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	// 1 KB max size for easy testing
	rw, err := NewRotatingWriter(path, 0, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	// Override maxBytes directly for a small test
	rw.maxBytes = 100
	defer rw.Close()

	// Write enough to trigger rotation
	data := strings.Repeat("x", 60)
	rw.Write([]byte(data))
	rw.Write([]byte(data)) // should trigger rotation

	// Check that a rotated file exists
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotatedCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") && strings.HasSuffix(e.Name(), ".log") {
			rotatedCount++
		}
	}
	if rotatedCount < 1 {
		t.Errorf("expected at least 1 rotated file, got %d", rotatedCount)
	}
}

func TestRotatingWriter_MaxBackupsEnforced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(path, 0, 2, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 50
	defer rw.Close()

	// Force multiple rotations
	data := strings.Repeat("y", 40)
	for i := 0; i < 5; i++ {
		rw.Write([]byte(data))
	}

	// Let the background cleanups finish, then run one synchronously.
	rw.cleanups.Wait()
	rw.cleanup()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotatedCount := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "test-") && strings.HasSuffix(e.Name(), ".log") {
			rotatedCount++
		}
	}
	if rotatedCount > 2 {
		t.Errorf("expected at most 2 rotated files (maxBackups=2), got %d", rotatedCount)
	}
}

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "nested", "test.log")

	rw, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	rw.Write([]byte("test"))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestRotatingWriter_BackupNamesFollowClock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edge.log")

	rw, err := NewRotatingWriter(path, 0, 10, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 10
	var ticks atomic.Int64
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rw.now = func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)) * time.Millisecond)
	}

	for i := 0; i < 4; i++ {
		rw.Write([]byte("0123456789"))
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "edge-20260301-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Errorf("expected 3 distinct backups, got %d: %v", len(matches), matches)
	}
	if _, err := rw.Write([]byte("late")); err == nil {
		t.Error("expected write after Close to fail")
	}
}

func TestNew_Outputs(t *testing.T) {
	logger, closer, err := New(config.LoggingConfig{Output: "stdout", Level: "debug"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level enabled")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("stdout closer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "logs", "edge.log")
	logger, closer, err = New(config.LoggingConfig{Output: path, MaxSizeMB: 1, MaxBackups: 1, Format: "text"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("cache invalidated", "prefix", "/articles")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "msg=\"cache invalidated\"") {
		t.Errorf("expected text record, got %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
