package config

import (
	"bytes"
	"encoding/json"
)

// Config is the daemon configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// RateLimits maps a resource id to its sliding-window limit.
	RateLimits map[string]RateLimitConfig `json:"rate_limits,omitempty"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Distributed *DistributedConfig `json:"distributed,omitempty"`
	HTTP        HTTPConfig         `json:"http,omitempty"`

	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ lines to the event bus as "log.alert".
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2 x CPUs
//   - tick: "100ms"
//   - max_per_tick: 64
//   - shutdown_grace: "10s"
//   - autosave: "0s" (disabled)
//   - retry_base: "1s", retry_max_delay: "0s" (uncapped)
//   - breaker: 5 failures to open, 3 successes to close, 1m reset timeout
type SchedulerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	Tick          string `json:"tick,omitempty"`
	MaxPerTick    int    `json:"max_per_tick,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	Autosave      string `json:"autosave,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`

	// Timezone evaluates cron expressions ("UTC", "Europe/Berlin"). Empty means local.
	Timezone string `json:"timezone,omitempty"`

	RetryBase     string        `json:"retry_base,omitempty"`
	RetryMaxDelay string        `json:"retry_max_delay,omitempty"`
	Breaker       BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
}

type RateLimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

// StorageConfig controls persistence. A nil section disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskforge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// DistributedConfig enables cluster dispatch over Redis pub/sub.
type DistributedConfig struct {
	Enabled           bool   `json:"enabled"`
	NodeID            string `json:"node_id,omitempty"`
	Channel           string `json:"channel,omitempty"`
	Strategy          string `json:"strategy,omitempty"`
	BroadcastInterval string `json:"broadcast_interval,omitempty"`
	StaleAfter        string `json:"stale_after,omitempty"`
	ResultTimeout     string `json:"result_timeout,omitempty"`

	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

// HTTPConfig controls the optional diagnostics server (/metrics, /tasks,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// JobConfig declares a task scheduled at startup. At most one of Cron,
// Every or Schedule sets the recurrence; without one the job runs once after
// Delay.
type JobConfig struct {
	Name    string `json:"name"`
	Handler string `json:"handler"` // log | exec | noop

	Cron  string `json:"cron,omitempty"`
	Every string `json:"every,omitempty"`
	// Schedule accepts either form: "*/5 * * * *", "@daily", "55m", "02:30".
	Schedule string `json:"schedule,omitempty"`
	Delay    string `json:"delay,omitempty"`

	Priority    string   `json:"priority,omitempty"`
	Resource    string   `json:"resource,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	Async       *bool    `json:"async,omitempty"` // default true
	Distributed bool     `json:"distributed,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	ExpiresIn   string   `json:"expires_in,omitempty"`
	Timeout     string   `json:"timeout,omitempty"` // exec only

	Args json.RawMessage `json:"args,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a job so typos surface on
// reload instead of silently producing a different schedule.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type plain JobConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = JobConfig(p)
	return nil
}

// IsAsync reports whether the job body may run on a worker goroutine.
func (j JobConfig) IsAsync() bool { return j.Async == nil || *j.Async }
