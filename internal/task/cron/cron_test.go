package cron

import (
	"errors"
	"testing"
	"time"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNext(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
		from string
		want string
	}{
		{name: "daily midnight", expr: "0 0 * * *", from: "2024-01-01T12:00:00", want: "2024-01-02T00:00:00"},
		{name: "step minutes", expr: "*/15 * * * *", from: "2024-01-01T10:07:00", want: "2024-01-01T10:15:00"},
		{name: "strictly after", expr: "0 * * * *", from: "2024-01-01T10:00:00", want: "2024-01-01T11:00:00"},
		{name: "weekday names", expr: "30 9 * * mon-fri", from: "2024-01-06T10:00:00", want: "2024-01-08T09:30:00"},
		{name: "sunday as seven", expr: "0 12 * * 7", from: "2024-01-01T00:00:00", want: "2024-01-07T12:00:00"},
		{name: "range through seven", expr: "0 12 * * 5-7", from: "2024-01-06T13:00:00", want: "2024-01-07T12:00:00"},
		{name: "skips short month", expr: "0 0 31 * *", from: "2024-04-01T00:00:00", want: "2024-05-31T00:00:00"},
		{name: "leap day", expr: "0 0 29 2 *", from: "2024-03-01T00:00:00", want: "2028-02-29T00:00:00"},
		{name: "day fields or", expr: "0 0 1,15 * 1", from: "2024-01-02T00:00:00", want: "2024-01-08T00:00:00"},
		{name: "month name", expr: "5 4 1 jan *", from: "2024-01-01T04:05:00", want: "2025-01-01T04:05:00"},
		{name: "value with step", expr: "10/20 * * * *", from: "2024-01-01T10:31:00", want: "2024-01-01T10:50:00"},
		{name: "descriptor", expr: "@daily", from: "2024-01-01T12:00:00", want: "2024-01-02T00:00:00"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Next(tt.expr, at(tt.from))
			if err != nil {
				t.Fatalf("Next(%q) error: %v", tt.expr, err)
			}
			if want := at(tt.want); !got.Equal(want) {
				t.Fatalf("Next(%q, %s) = %s, want %s", tt.expr, tt.from, got, want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"1,,2 * * * *",
		"a b c d e",
		"0 0 30 2 *",
	} {
		_, err := Parse(expr)
		if !errors.Is(err, ErrInvalidExpression) {
			t.Fatalf("Parse(%q) err = %v, want ErrInvalidExpression", expr, err)
		}
	}
}

func TestScheduleInLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	s, err := ParseIn("0 9 * * *", loc)
	if err != nil {
		t.Fatal(err)
	}
	// 01:30 UTC is 08:30 at UTC+7, so 09:00 local is half an hour away.
	from := time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC)
	got, err := s.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %s want %s", got, want)
	}
	if s.String() != "0 9 * * *" {
		t.Fatalf("String() = %q", s.String())
	}
}

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "every:1h", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "every:-5m", "0 0 30 2 *", "00:00"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q) expected error", raw)
		}
	}
}
