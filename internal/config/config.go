package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Load reads, strictly decodes and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := configToJSON(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Coordinator.GlobalConcurrency <= 0 {
		cfg.Coordinator.GlobalConcurrency = 1
	}
	if strings.TrimSpace(cfg.Coordinator.AccountCooldown) == "" {
		cfg.Coordinator.AccountCooldown = "5s"
	}
	if strings.TrimSpace(cfg.Scheduler.MaintenanceAt) == "" {
		cfg.Scheduler.MaintenanceAt = "03:00"
	}
	if strings.TrimSpace(cfg.Scheduler.HistoryRetention) == "" {
		cfg.Scheduler.HistoryRetention = "72h"
	}
	if strings.TrimSpace(cfg.Paths.Workdir) == "" {
		cfg.Paths.Workdir = "./data"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = cfg.Paths.Workdir + "/signerd.db"
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if _, err := parseDuration("coordinator.account_cooldown", cfg.Coordinator.AccountCooldown); err != nil {
		return err
	}
	if _, err := parseDuration("scheduler.history_retention", cfg.Scheduler.HistoryRetention); err != nil {
		return err
	}
	if _, err := parseDuration("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: unknown location %q", tz)
		}
	}
	if err := validateHHMM("scheduler.maintenance_at", cfg.Scheduler.MaintenanceAt); err != nil {
		return err
	}
	return nil
}

func validateHHMM(path, raw string) error {
	s := strings.TrimSpace(raw)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return fmt.Errorf("%s: invalid time %q, expected HH:MM", path, raw)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return fmt.Errorf("%s: invalid time %q, expected HH:MM", path, raw)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%s: time %q out of range", path, raw)
	}
	return nil
}

// Resolve converts validated string fields into the typed values the
// coordinator components consume. Call after Load.
func (c *Config) Resolve() Resolved {
	cooldown, _ := durationOrDefault("coordinator.account_cooldown", c.Coordinator.AccountCooldown, 5*time.Second)
	retention, _ := durationOrDefault("scheduler.history_retention", c.Scheduler.HistoryRetention, 72*time.Hour)
	return Resolved{
		GlobalConcurrency: c.Coordinator.GlobalConcurrency,
		AccountCooldown:   cooldown,
		ConnectRatePerSec: c.Coordinator.ConnectRatePerSec,
		HistoryRetention:  retention,
		MaintenanceAt:     strings.TrimSpace(c.Scheduler.MaintenanceAt),
	}
}

// BusyTimeout returns the parsed sqlite busy timeout (0 means default).
func (c *Config) BusyTimeout() time.Duration {
	d, _ := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout)
	return d
}

func (c *Config) SessionDir() string { return c.Paths.Workdir + "/sessions" }
func (c *Config) SignsDir() string   { return c.Paths.Workdir + "/signs" }
