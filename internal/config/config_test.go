package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  workers: 4
  tick: 50ms
  timezone: UTC
  breaker:
    failure_threshold: 3
rate_limits:
  api:
    max: 10
    window: 1m
storage:
  driver: sqlite
  path: ./tf.db
jobs:
  - name: heartbeat
    handler: log
    every: 30s
    args: {message: "alive"}
  - name: backup
    handler: exec
    cron: "0 3 * * *"
    priority: high
    depends_on: [heartbeat]
    args:
      command: /usr/bin/true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "taskforge.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, 4, cfg.Scheduler.Workers)
	require.Equal(t, 50*time.Millisecond, Duration(cfg.Scheduler.Tick))
	require.Equal(t, RateLimitConfig{Max: 10, Window: "1m"}, cfg.RateLimits["api"])
	require.Len(t, cfg.Jobs, 2)
	require.True(t, cfg.Jobs[0].IsAsync())

	var la LogArgs
	require.NoError(t, cfg.Jobs[0].DecodeArgs(&la))
	require.Equal(t, "alive", la.Message)
	var ea ExecArgs
	require.NoError(t, cfg.Jobs[1].DecodeArgs(&ea))
	require.Equal(t, "/usr/bin/true", ea.Command)
}

func TestParse_Strict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
	}{
		{"unknown top-level key", "c.json", `{"logging":{},"bogus":1}`},
		{"unknown job key", "c.json", `{"jobs":[{"name":"a","handler":"noop","cronn":"* * * * *"}]}`},
		{"trailing data", "c.json", `{"logging":{}} {"logging":{}}`},
		{"bad yaml", "c.yaml", "logging: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, tc.file, tc.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad tick", Config{Scheduler: SchedulerConfig{Tick: "soon"}}, false},
		{"negative duration", Config{Scheduler: SchedulerConfig{Autosave: "-1s"}}, false},
		{"bad timezone", Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, false},
		{"zero rate max", Config{RateLimits: map[string]RateLimitConfig{"a": {Max: 0, Window: "1s"}}}, false},
		{"zero rate window", Config{RateLimits: map[string]RateLimitConfig{"a": {Max: 1}}}, false},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "postgres"}}, false},
		{"redis addr required", Config{Distributed: &DistributedConfig{Enabled: true}}, false},
		{"bad strategy", Config{Distributed: &DistributedConfig{Enabled: true, Strategy: "fastest", Redis: RedisConfig{Addr: "x:6379"}}}, false},
		{"disabled distributed ignored", Config{Distributed: &DistributedConfig{Strategy: "fastest"}}, true},
		{"job ok", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Every: "1s"}}}, true},
		{"job unknown handler", Config{Jobs: []JobConfig{{Name: "a", Handler: "shell"}}}, false},
		{"job two triggers", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Every: "1s", Cron: "* * * * *"}}}, false},
		{"job bad cron", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Cron: "61 * * * *"}}}, false},
		{"job schedule interval", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Schedule: "02:30"}}}, true},
		{"job schedule and every", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Schedule: "@daily", Every: "1h"}}}, false},
		{"job bad schedule", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Schedule: "soonish"}}}, false},
		{"job bad priority", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, Priority: "urgent"}}}, false},
		{"job duplicate", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop}, {Name: "a", Handler: HandlerNoop}}}, false},
		{"job unknown dependency", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, DependsOn: []string{"b"}}}}, false},
		{"job self dependency", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerNoop, DependsOn: []string{"a"}}}}, false},
		{"exec needs command", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerExec}}}, false},
		{"exec unknown arg", Config{Jobs: []JobConfig{{Name: "a", Handler: HandlerExec, Args: json.RawMessage(`{"command":"x","shell":true}`)}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestJobTrigger(t *testing.T) {
	t.Parallel()
	cases := []struct {
		job   JobConfig
		expr  string
		every time.Duration
	}{
		{JobConfig{Cron: " 0 3 * * * "}, "0 3 * * *", 0},
		{JobConfig{Every: "90s"}, "", 90 * time.Second},
		{JobConfig{Schedule: "@hourly"}, "@hourly", 0},
		{JobConfig{Schedule: "*/5 * * * *"}, "*/5 * * * *", 0},
		{JobConfig{Schedule: "01:15"}, "", 75 * time.Minute},
		{JobConfig{Schedule: "every:45m"}, "", 45 * time.Minute},
		{JobConfig{Delay: "1s"}, "", 0},
	}
	for _, tc := range cases {
		expr, every := tc.job.Trigger()
		require.Equal(t, tc.expr, expr, "%+v", tc.job)
		require.Equal(t, tc.every, every, "%+v", tc.job)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Logging:    LoggingConfig{Level: "info"},
		RateLimits: map[string]RateLimitConfig{"api": {Max: 5, Window: "1s"}},
		Jobs: []JobConfig{
			{Name: "a", Handler: HandlerLog, Args: json.RawMessage(`{"message":"hi","level":"info"}`)},
			{Name: "b", Handler: HandlerNoop},
		},
	}
	next := &Config{
		Logging:     LoggingConfig{Level: "debug"},
		RateLimits:  map[string]RateLimitConfig{"api": {Max: 5, Window: "1s"}},
		Distributed: &DistributedConfig{Redis: RedisConfig{Password: "secret"}},
		Jobs: []JobConfig{
			// Same args, different formatting.
			{Name: "a", Handler: HandlerLog, Args: json.RawMessage(`{ "level": "info", "message": "hi" }`)},
			{Name: "c", Handler: HandlerNoop},
		},
	}
	changed, attrs, jobs := SummarizeConfigChange(old, next)
	require.Equal(t, []string{"distributed", "jobs", "logging"}, changed)
	require.Equal(t, []string{"b", "c"}, jobs)
	require.NotEmpty(t, attrs)

	changed, _, jobs = SummarizeConfigChange(next, next)
	require.Empty(t, changed)
	require.Empty(t, jobs)
}

func TestWatch_PublishesValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskforge.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	rejectWorkers := func(_ context.Context, c *Config) error {
		if c.Scheduler.Workers == 13 {
			return context.Canceled
		}
		return nil
	}
	m.SetValidator(rejectWorkers)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"workers":13}}`), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"tick":"nope"}}`), 0o600))
	time.Sleep(600 * time.Millisecond)
	require.Equal(t, "info", m.Get().Logging.Level)
	require.Empty(t, ch)

	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	select {
	case cfg := <-ch:
		require.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	require.Equal(t, "warn", m.Get().Logging.Level)
}

func TestPublish_DropsOldest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, open := <-ch
	require.False(t, open)
}

func TestExampleConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(filepath.Join("..", "..", "taskforge.example.yaml")).Load()
	require.NoError(t, err)
	require.Len(t, cfg.Jobs, 3)
	expr, _ := cfg.Jobs[2].Trigger()
	require.Equal(t, "@daily", expr)
}
