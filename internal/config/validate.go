package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskforge/internal/task"
	"taskforge/internal/task/cron"
	"taskforge/internal/task/distributed"
)

// Job handlers understood by the daemon.
const (
	HandlerLog  = "log"
	HandlerExec = "exec"
	HandlerNoop = "noop"
)

// Validate checks the whole config and reports every problem at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	s := c.Scheduler
	if s.Workers < 0 {
		add(errors.New("scheduler.workers: must be >= 0"))
	}
	if s.MaxPerTick < 0 {
		add(errors.New("scheduler.max_per_tick: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"scheduler.tick":                  s.Tick,
		"scheduler.shutdown_grace":        s.ShutdownGrace,
		"scheduler.autosave":              s.Autosave,
		"scheduler.startup_spread":        s.StartupSpread,
		"scheduler.retry_base":            s.RetryBase,
		"scheduler.retry_max_delay":       s.RetryMaxDelay,
		"scheduler.breaker.reset_timeout": s.Breaker.ResetTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if _, err := LoadLocation(s.Timezone); err != nil {
		add(fmt.Errorf("scheduler.timezone: %w", err))
	}

	for res, l := range c.RateLimits {
		path := "rate_limits." + res
		if strings.TrimSpace(res) == "" {
			add(errors.New("rate_limits: empty resource id"))
		}
		if l.Max <= 0 {
			add(fmt.Errorf("%s.max: must be > 0", path))
		}
		d, err := ParseDurationField(path+".window", l.Window)
		add(err)
		if err == nil && d <= 0 {
			add(fmt.Errorf("%s.window: must be > 0", path))
		}
	}

	if st := c.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if d := c.Distributed; d != nil && d.Enabled {
		if strings.TrimSpace(d.Redis.Addr) == "" {
			add(errors.New("distributed.redis.addr: required when enabled"))
		}
		if _, err := distributed.ParseStrategy(d.Strategy); err != nil {
			add(fmt.Errorf("distributed.strategy: %w", err))
		}
		for path, raw := range map[string]string{
			"distributed.broadcast_interval": d.BroadcastInterval,
			"distributed.stale_after":        d.StaleAfter,
			"distributed.result_timeout":     d.ResultTimeout,
		} {
			_, err := ParseDurationField(path, raw)
			add(err)
		}
	}

	for path, raw := range map[string]string{
		"http.read_timeout":  c.HTTP.ReadTimeout,
		"http.write_timeout": c.HTTP.WriteTimeout,
		"http.idle_timeout":  c.HTTP.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if _, dup := seen[name]; dup && name != "" {
			add(fmt.Errorf("jobs[%d]: duplicate name %q", i, name))
		}
		seen[name] = struct{}{}
		add(j.validate(fmt.Sprintf("jobs[%d]", i)))
	}
	for i, j := range c.Jobs {
		for _, d := range j.DependsOn {
			d = strings.TrimSpace(d)
			if _, ok := seen[d]; !ok || d == strings.TrimSpace(j.Name) {
				add(fmt.Errorf("jobs[%d].depends_on: %q is not another declared job", i, d))
			}
		}
	}
	return errors.Join(errs...)
}

func (j JobConfig) validate(path string) error {
	var errs []error
	if strings.TrimSpace(j.Name) == "" {
		errs = append(errs, fmt.Errorf("%s.name: required", path))
	}
	switch j.Handler {
	case HandlerLog, HandlerExec, HandlerNoop:
	default:
		errs = append(errs, fmt.Errorf("%s.handler: unknown handler %q", path, j.Handler))
	}

	triggers := 0
	if strings.TrimSpace(j.Cron) != "" {
		triggers++
		if err := cron.Validate(j.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s.cron: %w", path, err))
		}
	}
	if strings.TrimSpace(j.Every) != "" {
		triggers++
		if d, err := ParseDurationField(path+".every", j.Every); err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s.every: must be > 0", path))
		}
	}
	if strings.TrimSpace(j.Schedule) != "" {
		triggers++
		if _, err := cron.ParseSpec(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}
	if triggers > 1 {
		errs = append(errs, fmt.Errorf("%s: cron, every and schedule are mutually exclusive", path))
	}
	for field, raw := range map[string]string{"delay": j.Delay, "expires_in": j.ExpiresIn, "timeout": j.Timeout} {
		if _, err := ParseDurationField(path+"."+field, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := task.ParsePriority(j.Priority); err != nil {
		errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
	}
	if _, err := task.ParseRetryStrategy(j.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("%s.strategy: %w", path, err))
	}
	if j.Handler == HandlerExec {
		var a ExecArgs
		if err := j.DecodeArgs(&a); err != nil {
			errs = append(errs, fmt.Errorf("%s.args: %w", path, err))
		} else if strings.TrimSpace(a.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.args.command: required for exec", path))
		}
	}
	return errors.Join(errs...)
}

// LoadLocation resolves a timezone name. Empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
