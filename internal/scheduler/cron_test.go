package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	valid := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 3 * * *",
		"30 4 1,15 * *",
		"0-30/5 9-17 * * 1-5",
		"@daily",
		"@HOURLY",
	}
	for _, expr := range valid {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("ParseCron(%q) returned error: %v", expr, err)
		}
	}

	invalid := []string{"", "* * *", "60 * * * *", "* 25 * * *", "* * 0 * *", "* * * 13 *", "* * * * 7", "*/0 * * * *", "5/10 * * * *", "x * * * *", "@sometimes"}
	for _, expr := range invalid {
		_, err := ParseCron(expr)
		if err == nil {
			t.Errorf("ParseCron(%q) should have returned error", expr)
			continue
		}
		if !errors.Is(err, ErrInvalidCron) {
			t.Errorf("ParseCron(%q) error %v does not wrap ErrInvalidCron", expr, err)
		}
	}
}

func TestCronMatches(t *testing.T) {
	tests := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"* * * * *", time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC), true},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 13, 0, 0, time.UTC), false},
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC), true},  // Monday
		{"0-30/5 9-17 * * 1-5", time.Date(2026, 2, 14, 10, 15, 0, 0, time.UTC), false}, // Saturday
		{"30 4 1,15 * *", time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC), true},
		{"30 4 1,15 * *", time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC), false},
		{"@daily", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), true},
		{"@daily", time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		c, err := ParseCron(tc.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tc.expr, err)
		}
		if got := c.Matches(tc.at); got != tc.want {
			t.Errorf("%q.Matches(%s) = %v, want %v", tc.expr, tc.at.Format(time.RFC3339), got, tc.want)
		}
	}
}

func TestCronNext(t *testing.T) {
	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 2, 15, 10, 30, 45, 0, time.UTC), time.Date(2026, 2, 15, 10, 31, 0, 0, time.UTC)},
		{"*/5 * * * *", time.Date(2026, 2, 15, 10, 12, 0, 0, time.UTC), time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)},
		{"0 3 * * *", time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC), time.Date(2026, 2, 16, 3, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		c, _ := ParseCron(tc.expr)
		if got := c.Next(tc.from); !got.Equal(tc.want) {
			t.Errorf("%q.Next(%s) = %s, want %s", tc.expr, tc.from, got, tc.want)
		}
	}
}

func TestCronNextNeverMatching(t *testing.T) {
	c, _ := ParseCron("0 0 31 2 *") // February 31st
	if got := c.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); !got.IsZero() {
		t.Errorf("expected zero time, got %s", got)
	}
}
