package config

import "time"

// Config is the root configuration.
//
// All duration fields are Go duration strings (e.g. "5s", "1m").
// JSON is the canonical format; .yaml/.yml files are coerced to JSON
// before the strict decode.
type Config struct {
	Remote      RemoteConfig      `json:"remote"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     StorageConfig     `json:"storage"`
	Paths       PathsConfig       `json:"paths"`
	Logging     LoggingConfig     `json:"logging"`
}

// RemoteConfig identifies the protocol client and its API credentials.
//
// Driver selects a registered remote implementation (see pkg/remote).
// Missing or invalid credentials are a configuration error: operations that
// need a remote session fail immediately and are never retried.
type RemoteConfig struct {
	Driver    string `json:"driver"`
	APIID     int    `json:"api_id"`
	APIHash   string `json:"api_hash"`
	NoUpdates bool   `json:"no_updates,omitempty"`
}

// CoordinatorConfig bounds remote concurrency.
//
// GlobalConcurrency caps simultaneous open remote sessions process-wide
// (default 1). AccountCooldown is the minimum spacing between the end of one
// run and the start of the next for the same account (default "5s").
// Both are read once at startup; they are not hot-reloaded.
type CoordinatorConfig struct {
	GlobalConcurrency int    `json:"global_concurrency,omitempty"`
	AccountCooldown   string `json:"account_cooldown,omitempty"`

	// ConnectRatePerSec limits remote session opens per second across the
	// whole process. 0 disables the limiter.
	ConnectRatePerSec int `json:"connect_rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Shanghai"

	// MaintenanceAt is the daily HH:MM for the permanent maintenance job
	// (history pruning). Default "03:00".
	MaintenanceAt string `json:"maintenance_at,omitempty"`

	// HistoryRetention controls how old run history may get before the
	// maintenance job prunes it. Default "72h".
	HistoryRetention string `json:"history_retention,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PathsConfig anchors the on-disk layout. Sessions live under
// <workdir>/sessions, sign-task configs under <workdir>/signs.
type PathsConfig struct {
	Workdir string `json:"workdir"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// Resolved carries the parsed/validated values components consume directly.
type Resolved struct {
	GlobalConcurrency int
	AccountCooldown   time.Duration
	ConnectRatePerSec int
	HistoryRetention  time.Duration
	MaintenanceAt     string
}
