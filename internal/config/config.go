// Package config loads repowarden configuration from .warden/config.yaml.
// Every knob has a default; a missing file yields a fully usable config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Distill  DistillConfig  `yaml:"distill"`
	Gate     GateConfig     `yaml:"gate"`
	Lock     LockConfig     `yaml:"lock"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Report   ReportConfig   `yaml:"report"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DistillConfig controls pattern distillation.
type DistillConfig struct {
	// Threshold is the minimum pattern confidence accepted for distillation.
	Threshold float64 `yaml:"threshold"`
	// MappingPath overrides the built-in pattern-to-predicate mapping table.
	MappingPath string `yaml:"mapping_path"`
}

// GateConfig holds the confidence-gate tier thresholds.
type GateConfig struct {
	AutoApply float64 `yaml:"auto_apply"`
	Propose   float64 `yaml:"propose"`
}

// LockConfig controls the advisory lock manager.
type LockConfig struct {
	TTL string `yaml:"ttl"`
}

// TTLDuration parses the lock TTL, falling back to the default on error.
func (c LockConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, 60*time.Second)
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	TTL string `yaml:"ttl"`
}

// TTLDuration parses the cache TTL, falling back to the default on error.
func (c CacheConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, 15*time.Minute)
}

// PipelineConfig controls diagnostic pass execution.
type PipelineConfig struct {
	// MaxParallel bounds how many targets run concurrently in one pass.
	MaxParallel int `yaml:"max_parallel"`
	// ActionTimeout bounds a single Action Port call.
	ActionTimeout string `yaml:"action_timeout"`
}

// ActionTimeoutDuration parses the action timeout with its default.
func (c PipelineConfig) ActionTimeoutDuration() time.Duration {
	return parseDuration(c.ActionTimeout, 30*time.Second)
}

// ReportConfig holds the health-score severity weights.
type ReportConfig struct {
	CriticalWeight int `yaml:"critical_weight"`
	WarningWeight  int `yaml:"warning_weight"`
	InfoWeight     int `yaml:"info_weight"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	// Path is relative to the workspace unless absolute. Empty selects the
	// in-memory stores.
	Path string `yaml:"path"`
}

// LoggingConfig mirrors the block consumed by the logging package. It is
// parsed here too so callers can inspect it without touching that package.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Distill: DistillConfig{
			Threshold: 0.85,
		},
		Gate: GateConfig{
			AutoApply: 0.95,
			Propose:   0.80,
		},
		Lock: LockConfig{
			TTL: "60s",
		},
		Cache: CacheConfig{
			TTL: "15m",
		},
		Pipeline: PipelineConfig{
			MaxParallel:   4,
			ActionTimeout: "30s",
		},
		Report: ReportConfig{
			CriticalWeight: 25,
			WarningWeight:  10,
			InfoWeight:     3,
		},
		Store: StoreConfig{
			Path: filepath.Join(".warden", "warden.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads .warden/config.yaml from the workspace, merging the file over
// defaults. A missing file is not an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".warden", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config back to .warden/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".warden")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// StorePath resolves the SQLite path against the workspace. Empty means the
// in-memory stores are used.
func (c *Config) StorePath(workspace string) string {
	if c.Store.Path == "" {
		return ""
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(workspace, c.Store.Path)
}

func (c *Config) validate() error {
	if c.Distill.Threshold < 0 || c.Distill.Threshold > 1 {
		return fmt.Errorf("distill.threshold %v out of [0,1]", c.Distill.Threshold)
	}
	if c.Gate.AutoApply < 0 || c.Gate.AutoApply > 1 {
		return fmt.Errorf("gate.auto_apply %v out of [0,1]", c.Gate.AutoApply)
	}
	if c.Gate.Propose < 0 || c.Gate.Propose > 1 {
		return fmt.Errorf("gate.propose %v out of [0,1]", c.Gate.Propose)
	}
	if c.Gate.Propose > c.Gate.AutoApply {
		return fmt.Errorf("gate.propose %v exceeds gate.auto_apply %v", c.Gate.Propose, c.Gate.AutoApply)
	}
	if c.Pipeline.MaxParallel < 1 {
		return fmt.Errorf("pipeline.max_parallel must be >= 1, got %d", c.Pipeline.MaxParallel)
	}
	if c.Report.CriticalWeight < 0 || c.Report.WarningWeight < 0 || c.Report.InfoWeight < 0 {
		return fmt.Errorf("report weights must be non-negative")
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
