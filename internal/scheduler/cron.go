// Package scheduler provides a minute-resolution cron scheduler with
// file-lock overlap prevention and per-category concurrency caps. The
// workflow engine registers cron-triggered workflows here.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCron is returned for expressions ParseCron cannot accept.
var ErrInvalidCron = errors.New("invalid cron expression")

// CronExpr is a parsed 5-field cron expression.
// Fields: minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	Source     string
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int
}

var descriptors = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
}

type fieldSpec struct {
	name     string
	min, max int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a 5-field expression or one of the @hourly, @daily,
// @midnight, @weekly, @monthly and @yearly descriptors. Fields accept *, */N,
// N, N-M, N-M/S and comma-separated lists of those.
func ParseCron(expr string) (*CronExpr, error) {
	source := strings.TrimSpace(expr)
	if d, ok := descriptors[strings.ToLower(source)]; ok {
		expr = d
	}
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}

	var parsed [5][]int
	for i, spec := range fieldSpecs {
		vals, err := parseField(fields[i], spec.min, spec.max)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCron, spec.name, err)
		}
		parsed[i] = vals
	}

	return &CronExpr{
		Source:     source,
		Minute:     parsed[0],
		Hour:       parsed[1],
		DayOfMonth: parsed[2],
		Month:      parsed[3],
		DayOfWeek:  parsed[4],
	}, nil
}

// Matches reports whether t falls within the expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return slices.Contains(c.Minute, t.Minute()) &&
		slices.Contains(c.Hour, t.Hour()) &&
		slices.Contains(c.DayOfMonth, t.Day()) &&
		slices.Contains(c.Month, int(t.Month())) &&
		slices.Contains(c.DayOfWeek, int(t.Weekday()))
}

// Next returns the first matching minute strictly after t, searching up to
// two years ahead. It returns the zero time when nothing matches.
func (c *CronExpr) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	loc := candidate.Location()

	for candidate.Before(limit) {
		switch {
		case !slices.Contains(c.Month, int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.DayOfMonth, candidate.Day()) || !slices.Contains(c.DayOfWeek, int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, loc)
		case !slices.Contains(c.Hour, candidate.Hour()):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, loc)
		case !slices.Contains(c.Minute, candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate
		}
	}
	return time.Time{}
}

func (c *CronExpr) String() string { return c.Source }

func parseField(field string, min, max int) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	slices.Sort(out)
	return out, nil
}

// parsePart handles one list element: *, */N, N, N-M or N-M/S.
func parsePart(part string, min, max int) ([]int, error) {
	base, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
		step = n
	}

	lo, hi := min, max
	switch {
	case base == "*":
	case strings.Contains(base, "-"):
		a, b, _ := strings.Cut(base, "-")
		var err error
		if lo, err = strconv.Atoi(a); err != nil {
			return nil, fmt.Errorf("invalid range start %q", a)
		}
		if hi, err = strconv.Atoi(b); err != nil {
			return nil, fmt.Errorf("invalid range end %q", b)
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
	default:
		if hasStep {
			return nil, fmt.Errorf("step requires a range or * in %q", part)
		}
		v, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", base)
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of bounds [%d,%d]", v, min, max)
		}
		return []int{v}, nil
	}

	out := make([]int, 0, (hi-lo)/step+1)
	for i := lo; i <= hi; i += step {
		out = append(out, i)
	}
	return out, nil
}
