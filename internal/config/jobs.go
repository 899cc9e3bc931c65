package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"taskforge/internal/task/cron"
)

// LogArgs are the args of the "log" handler.
type LogArgs struct {
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`
}

// ExecArgs are the args of the "exec" handler.
type ExecArgs struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// FailOnStderr treats any stderr output as a failure.
	FailOnStderr bool `json:"fail_on_stderr,omitempty"`
}

// DecodeArgs strictly decodes the job args into v. Missing args leave v
// untouched.
func (j JobConfig) DecodeArgs(v any) error {
	raw := bytes.TrimSpace(j.Args)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Trigger resolves the recurrence of a validated job. Both results are zero
// for a one-shot job.
func (j JobConfig) Trigger() (expr string, every time.Duration) {
	if c := strings.TrimSpace(j.Cron); c != "" {
		return c, 0
	}
	if e := Duration(j.Every); e > 0 {
		return "", e
	}
	if strings.TrimSpace(j.Schedule) == "" {
		return "", 0
	}
	ps, err := cron.ParseSpec(j.Schedule)
	if err != nil {
		return "", 0
	}
	if ps.Kind == cron.SpecCron {
		return ps.Cron, 0
	}
	return "", ps.Every
}
