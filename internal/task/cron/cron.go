// Package cron parses the reduced 5-field cron form
// (minute hour day-of-month month day-of-week) and computes fire times.
//
// Field syntax: "*", "N", "A-B", "A-B/S", "*/S", "N/S" and comma lists of those.
// Months and weekdays accept 3-letter English names. Day-of-week takes 0-7,
// where both 0 and 7 mean Sunday, so "5-7" reads Friday through Sunday.
//
// Matching is delegated to robfig/cron's SpecSchedule which walks the fields
// from coarsest to finest and re-checks the day after every month roll.
// When both day fields are restricted a time matches if either does (POSIX).
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for syntax errors and for expressions that
// never fire (for example "0 0 30 2 *").
var ErrInvalidExpression = errors.New("invalid cron expression")

// starBit mirrors robfig/cron: set on a day field written as a bare "*".
const starBit = 1 << 63

type bounds struct {
	name     string
	min, max uint
	names    map[string]uint
}

var (
	minutes = bounds{name: "minute", min: 0, max: 59}
	hours   = bounds{name: "hour", min: 0, max: 23}
	doms    = bounds{name: "day-of-month", min: 1, max: 31}
	months  = bounds{name: "month", min: 1, max: 12, names: map[string]uint{
		"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
		"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
	}}
	dows = bounds{name: "day-of-week", min: 0, max: 7, names: map[string]uint{
		"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// probeFrom is the reference used to reject expressions that never fire.
// The following five years include a Feb 29.
var probeFrom = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Schedule is a parsed expression. It is immutable and safe for concurrent use.
type Schedule struct {
	expr string
	spec *rcron.SpecSchedule
}

// Parse parses expr. Fire times are computed in the location of the time
// passed to Next.
func Parse(expr string) (*Schedule, error) {
	return ParseIn(expr, time.Local)
}

// ParseIn parses expr and evaluates it in loc. A nil loc means time.Local.
func ParseIn(expr string, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExpression)
	}
	if d, ok := descriptors[strings.ToLower(src)]; ok {
		src = d
	}

	fields := strings.Fields(src)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q: expected 5 fields, got %d", ErrInvalidExpression, expr, len(fields))
	}

	var bits [5]uint64
	for i, b := range []bounds{minutes, hours, doms, months, dows} {
		v, err := parseField(fields[i], b)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
		}
		bits[i] = v
	}

	// Fold Sunday=7 onto bit 0; robfig only knows 0-6.
	dow := bits[4]
	if dow&(1<<7) != 0 {
		dow = (dow &^ (1 << 7)) | 1
	}

	s := &Schedule{
		expr: strings.Join(fields, " "),
		spec: &rcron.SpecSchedule{
			Second:   1, // second 0
			Minute:   bits[0],
			Hour:     bits[1],
			Dom:      bits[2],
			Month:    bits[3],
			Dow:      dow,
			Location: loc,
		},
	}

	if s.spec.Next(probeFrom).IsZero() {
		return nil, fmt.Errorf("%w: %q never fires", ErrInvalidExpression, expr)
	}
	return s, nil
}

// Next returns the first fire time strictly after from.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	if s == nil || s.spec == nil {
		return time.Time{}, fmt.Errorf("%w: nil schedule", ErrInvalidExpression)
	}
	t := s.spec.Next(from)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q: no match after %s", ErrInvalidExpression, s.expr, from.Format(time.RFC3339))
	}
	return t, nil
}

// String returns the normalized expression (descriptors expanded).
func (s *Schedule) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Next parses expr and returns its first fire time strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := ParseIn(expr, from.Location())
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}

// Validate reports whether expr parses and fires at least once.
func Validate(expr string) error {
	_, err := ParseIn(expr, time.UTC)
	return err
}

func parseField(field string, b bounds) (uint64, error) {
	var out uint64
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return 0, fmt.Errorf("%s: empty list element", b.name)
		}
		v, err := parseRange(part, b)
		if err != nil {
			return 0, err
		}
		out |= v
	}
	return out, nil
}

// parseRange handles one list element: "*", "N", "A-B", with an optional "/S".
func parseRange(expr string, b bounds) (uint64, error) {
	rangePart, stepPart, hasStep := strings.Cut(expr, "/")

	var (
		start, end uint
		extra      uint64
		err        error
	)
	if rangePart == "*" || rangePart == "?" {
		start, end = b.min, b.max
		extra = starBit
	} else {
		lo, hi, isRange := strings.Cut(rangePart, "-")
		if start, err = parseValue(lo, b); err != nil {
			return 0, err
		}
		end = start
		if isRange {
			if end, err = parseValue(hi, b); err != nil {
				return 0, err
			}
		}
		if hasStep && !isRange {
			end = b.max
		}
	}

	step := uint(1)
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: invalid step %q", b.name, stepPart)
		}
		step = uint(n)
		if step > 1 {
			extra = 0
		}
	}

	if start > end {
		return 0, fmt.Errorf("%s: range start %d beyond end %d", b.name, start, end)
	}

	var bits uint64
	for v := start; v <= end; v += step {
		bits |= 1 << v
	}
	return bits | extra, nil
}

func parseValue(s string, b bounds) (uint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%s: missing value", b.name)
	}
	if b.names != nil {
		if v, ok := b.names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid value %q", b.name, s)
	}
	if n < int(b.min) || n > int(b.max) {
		return 0, fmt.Errorf("%s: %d out of range %d-%d", b.name, n, b.min, b.max)
	}
	return uint(n), nil
}
