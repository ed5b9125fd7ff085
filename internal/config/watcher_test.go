package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/classmesh/classmesh/internal/config"
)

func TestWatcher_DetectsEthicsPolicyChange(t *testing.T) {
	homeDir := t.TempDir()

	policyPath := filepath.Join(homeDir, "ethics.yaml")
	if err := os.WriteFile(policyPath, []byte("deny_terms: []\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Instead of a fixed sleep, retry the write at short intervals until the
	// watcher produces an event. This handles any platform-specific delay in
	// filesystem notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("deny_terms: [weapon]\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "ethics.yaml" {
				t.Fatalf("expected ethics.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			// Re-write the file in case the watcher was not yet ready.
			_ = os.WriteFile(policyPath, []byte("deny_terms: [weapon]\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for ethics.yaml change event")
		}
	}
}
