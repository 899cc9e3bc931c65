package scheduler

import (
	"time"

	logx "taskforge/pkg/logx"
)

const warnThrottle = 5 * time.Second

// throttled logs msg at debug level at most once per warnThrottle for key.
// Gated tasks are re-examined every tick, so unthrottled logging would
// repeat the same line ten times a second.
func (s *Scheduler) throttled(key, msg string, fields ...logx.Field) {
	if !s.log.Enabled(logx.LevelDebug) {
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	if len(s.lastWarn) > 4096 {
		for k, at := range s.lastWarn {
			if now.Sub(at) >= warnThrottle {
				delete(s.lastWarn, k)
			}
		}
	}
	s.warnMu.Unlock()
	s.log.Debug(msg, fields...)
}
