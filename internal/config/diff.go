package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskforge/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or
// passwords), and (3) the names of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.String("scheduler.tick", strings.TrimSpace(s.Tick)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.retry_base", strings.TrimSpace(s.RetryBase)),
			logx.Int("scheduler.breaker_failures", s.Breaker.FailureThreshold),
		)
	}

	if !rateLimitsEqual(oldCfg.RateLimits, newCfg.RateLimits) {
		changed = append(changed, "rate_limits")
		attrs = append(attrs, logx.Int("rate_limits.count", len(newCfg.RateLimits)))
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	// Distributed (never log the redis password)
	var oD, nD DistributedConfig
	if oldCfg.Distributed != nil {
		oD = *oldCfg.Distributed
	}
	if newCfg.Distributed != nil {
		nD = *newCfg.Distributed
	}
	if !reflect.DeepEqual(oD, nD) {
		changed = append(changed, "distributed")
		attrs = append(attrs,
			logx.Bool("distributed.enabled", nD.Enabled),
			logx.String("distributed.strategy", strings.TrimSpace(nD.Strategy)),
			logx.String("distributed.redis_addr", strings.TrimSpace(nD.Redis.Addr)),
			logx.Bool("distributed.redis_password_set", nD.Redis.Password != ""),
		)
	}

	// HTTP (never log token)
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

// rateLimitsEqual treats nil and empty maps as equal.
func rateLimitsEqual(a, b map[string]RateLimitConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v.Max != w.Max || strings.TrimSpace(v.Window) != strings.TrimSpace(w.Window) {
			return false
		}
	}
	return true
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !jobEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// jobEqual compares args canonically so reformatting does not count as a change.
func jobEqual(a, b JobConfig) bool {
	if canonicalHashJSON(a.Args) != canonicalHashJSON(b.Args) {
		return false
	}
	a.Args, b.Args = nil, nil
	return reflect.DeepEqual(a, b)
}
