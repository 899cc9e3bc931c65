package app

import (
	"fmt"
	"strings"
	"time"

	"taskforge/internal/config"
	"taskforge/internal/observability/httpserver"
	"taskforge/internal/storage"
	"taskforge/internal/task/distributed"
	"taskforge/internal/task/ratelimit"
	"taskforge/internal/task/retry"
	"taskforge/internal/task/scheduler"
	logx "taskforge/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, MaxRuns: sc.MaxRuns}, true, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxRuns: sc.MaxRuns}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapSchedulerConfig assumes cfg passed Validate.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	loc, err := config.LoadLocation(s.Timezone)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.timezone: %w", err)
	}
	limits, err := mapRateLimits(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:          s.Workers,
		TickInterval:     config.Duration(s.Tick),
		MaxPerTick:       s.MaxPerTick,
		ShutdownGrace:    config.Duration(s.ShutdownGrace),
		AutosaveInterval: config.Duration(s.Autosave),
		StartupSpread:    config.Duration(s.StartupSpread),
		Location:         loc,
		RetryBase:        config.Duration(s.RetryBase),
		RetryMaxDelay:    config.Duration(s.RetryMaxDelay),
		Breaker: retry.BreakerConfig{
			FailureThreshold: s.Breaker.FailureThreshold,
			SuccessThreshold: s.Breaker.SuccessThreshold,
			ResetTimeout:     config.Duration(s.Breaker.ResetTimeout),
		},
		RateLimits: limits,
	}, nil
}

func mapRateLimits(cfg *config.Config) (map[string]ratelimit.Limit, error) {
	if len(cfg.RateLimits) == 0 {
		return nil, nil
	}
	out := make(map[string]ratelimit.Limit, len(cfg.RateLimits))
	for res, l := range cfg.RateLimits {
		w, err := config.ParseDurationField("rate_limits."+res+".window", l.Window)
		if err != nil {
			return nil, err
		}
		out[res] = ratelimit.Limit{Max: l.Max, Window: w}
	}
	return out, nil
}

// mapDistributedConfig reports false when distribution is off.
func mapDistributedConfig(cfg *config.Config) (distributed.Config, bool, error) {
	d := cfg.Distributed
	if d == nil || !d.Enabled {
		return distributed.Config{}, false, nil
	}
	strategy, err := distributed.ParseStrategy(d.Strategy)
	if err != nil {
		return distributed.Config{}, false, err
	}
	return distributed.Config{
		NodeID:            strings.TrimSpace(d.NodeID),
		Channel:           strings.TrimSpace(d.Channel),
		Strategy:          strategy,
		BroadcastInterval: config.Duration(d.BroadcastInterval),
		StaleAfter:        config.Duration(d.StaleAfter),
		ResultTimeout:     config.Duration(d.ResultTimeout),
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	h := cfg.HTTP
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   config.Duration(h.ReadTimeout),
		WriteTimeout:  config.Duration(h.WriteTimeout),
		IdleTimeout:   config.Duration(h.IdleTimeout),
	}
}
