package storage

import (
	"errors"
	"time"
	"unicode/utf8"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": snapshot file plus a JSON Lines run journal next to it.
//     A path ending in .yml or .yaml writes YAML, anything else JSON.
//   - "sqlite": SQLite database file (pure Go driver, WAL mode)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxRuns     int           // run history retention; 0 means 5000
}

const defaultMaxRuns = 5000

// TaskRecord is the persisted form of one pending task.
// Keep it compact and schema-stable.
type TaskRecord struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Priority      string    `json:"priority" yaml:"priority"`
	NextRun       time.Time `json:"next_run" yaml:"next_run"`
	Cron          string    `json:"cron,omitempty" yaml:"cron,omitempty"`
	PeriodMS      int64     `json:"period_ms,omitempty" yaml:"period_ms,omitempty"`
	Async         bool      `json:"async" yaml:"async"`
	Distributed   bool      `json:"distributed" yaml:"distributed"`
	ResourceID    string    `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	MaxRetries    int       `json:"max_retries" yaml:"max_retries"`
	RetryStrategy string    `json:"retry_strategy" yaml:"retry_strategy"`
	RetryCount    int       `json:"retry_count" yaml:"retry_count"`
	State         string    `json:"state" yaml:"state"`
	ExpiresAt     time.Time `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`
	Dependencies  []string  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Expired reports whether the record is past its expiration at now.
func (r TaskRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// RunRecord is one finished execution.
type RunRecord struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Name       string    `json:"name"`
	ResourceID string    `json:"resource_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	TookMS     int64     `json:"took_ms"`
}

// maxRunError bounds the stored error text of a run.
const maxRunError = 4 << 10

// clipped returns r with Error cut to maxRunError bytes on a rune boundary.
func (r RunRecord) clipped() RunRecord {
	if len(r.Error) <= maxRunError {
		return r
	}
	cut := maxRunError
	for cut > 0 && !utf8.RuneStart(r.Error[cut]) {
		cut--
	}
	r.Error = r.Error[:cut] + "...(truncated)"
	return r
}

func filterExpired(recs []TaskRecord, now time.Time) (kept []TaskRecord, dropped int) {
	kept = recs[:0:0]
	for _, r := range recs {
		if r.Expired(now) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}
