package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Distill.Threshold != 0.85 {
		t.Errorf("distill threshold = %v, want 0.85", cfg.Distill.Threshold)
	}
	if cfg.Gate.AutoApply != 0.95 {
		t.Errorf("auto_apply = %v, want 0.95", cfg.Gate.AutoApply)
	}
	if cfg.Gate.Propose != 0.80 {
		t.Errorf("propose = %v, want 0.80", cfg.Gate.Propose)
	}
	if got := cfg.Lock.TTLDuration(); got != 60*time.Second {
		t.Errorf("lock ttl = %v, want 60s", got)
	}
	if got := cfg.Cache.TTLDuration(); got != 15*time.Minute {
		t.Errorf("cache ttl = %v, want 15m", got)
	}
	if got := cfg.Pipeline.ActionTimeoutDuration(); got != 30*time.Second {
		t.Errorf("action timeout = %v, want 30s", got)
	}
	if cfg.Report.CriticalWeight != 25 || cfg.Report.WarningWeight != 10 || cfg.Report.InfoWeight != 3 {
		t.Errorf("unexpected report weights: %+v", cfg.Report)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Distill.Threshold != 0.85 {
		t.Errorf("missing file should yield defaults, got threshold %v", cfg.Distill.Threshold)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
distill:
  threshold: 0.9
lock:
  ttl: 2m
pipeline:
  max_parallel: 8
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Distill.Threshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", cfg.Distill.Threshold)
	}
	if got := cfg.Lock.TTLDuration(); got != 2*time.Minute {
		t.Errorf("lock ttl = %v, want 2m", got)
	}
	if cfg.Pipeline.MaxParallel != 8 {
		t.Errorf("max_parallel = %d, want 8", cfg.Pipeline.MaxParallel)
	}
	// Untouched blocks keep their defaults.
	if cfg.Gate.AutoApply != 0.95 {
		t.Errorf("auto_apply = %v, want default 0.95", cfg.Gate.AutoApply)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"threshold out of range", "distill:\n  threshold: 1.5\n"},
		{"propose above auto", "gate:\n  auto_apply: 0.9\n  propose: 0.95\n"},
		{"zero parallelism", "pipeline:\n  max_parallel: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.body)
			if _, err := Load(dir); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestBadDurationFallsBackToDefault(t *testing.T) {
	cfg := Default()
	cfg.Cache.TTL = "not-a-duration"
	if got := cfg.Cache.TTLDuration(); got != 15*time.Minute {
		t.Errorf("cache ttl = %v, want default 15m", got)
	}
	cfg.Lock.TTL = "-5s"
	if got := cfg.Lock.TTLDuration(); got != 60*time.Second {
		t.Errorf("lock ttl = %v, want default 60s", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Distill.Threshold = 0.88

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Distill.Threshold != 0.88 {
		t.Errorf("threshold = %v after round trip, want 0.88", loaded.Distill.Threshold)
	}
}

func TestStorePath(t *testing.T) {
	cfg := Default()
	got := cfg.StorePath("/ws")
	want := filepath.Join("/ws", ".warden", "warden.db")
	if got != want {
		t.Errorf("StorePath = %q, want %q", got, want)
	}

	cfg.Store.Path = ""
	if cfg.StorePath("/ws") != "" {
		t.Error("empty store path should stay empty")
	}

	cfg.Store.Path = "/abs/warden.db"
	if cfg.StorePath("/ws") != "/abs/warden.db" {
		t.Error("absolute store path should pass through")
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, ".warden"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".warden", "config.yaml"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}
