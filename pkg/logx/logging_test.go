package logx

import (
	"context"
	"testing"
	"time"
)

func TestService_AlertSinkReceivesWarnings(t *testing.T) {
	t.Parallel()

	got := make(chan Alert, 4)
	sink := AlertFunc(func(ctx context.Context, a Alert) error {
		got <- a
		return nil
	})
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sink)
	defer svc.Close()

	log.Info("not forwarded")
	log.With(String("comp", "test")).Warn("disk almost full", Int("pct", 91))

	select {
	case a := <-got:
		if a.Message != "disk almost full" {
			t.Fatalf("message=%q", a.Message)
		}
		if a.Level != "warn" {
			t.Fatalf("level=%q", a.Level)
		}
		if a.Fields["comp"] != "test" {
			t.Fatalf("fields=%v", a.Fields)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	select {
	case a := <-got:
		t.Fatalf("unexpected extra alert: %+v", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogger_ZeroValueIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("dropped", Err(nil))
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
