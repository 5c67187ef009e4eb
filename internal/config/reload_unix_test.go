//go:build !windows

package config

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dskow/cms-edge/internal/metrics"
)

func TestReloader_SIGHUP(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)
	reloaded := make(chan *Config, 1)
	r.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	r.Start()
	defer r.Stop()

	before := testutil.ToFloat64(metrics.ConfigReloads.WithLabelValues(triggerSignal, "applied"))

	// The write also arms the watcher's debounce; the signal reloads first.
	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatalf("send SIGHUP: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.RateLimit.RequestsPerSecond != 200 {
			t.Errorf("expected 200 rps after SIGHUP, got %v", cfg.RateLimit.RequestsPerSecond)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded after SIGHUP")
	}

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(metrics.ConfigReloads.WithLabelValues(triggerSignal, "applied")) <= before {
		if time.Now().After(deadline) {
			t.Fatal("signal reload was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
