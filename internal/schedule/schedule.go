// Package schedule computes next fire times for cron, interval, and
// exact-time schedules. Expressions are interpreted in the entity's IANA
// timezone; results are always returned in UTC for storage.
package schedule

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron expressions (minute, hour, day of
// month, month, day of week).
var parser = cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)

// ValidateCron parses expr and returns an error if it is not a valid 5-field
// cron expression.
func ValidateCron(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty cron expression")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextCron returns the first firing of expr strictly after `after`,
// evaluated on the wall clock of tz, converted back to UTC.
func NextCron(expr, tz string, after time.Time) (time.Time, error) {
	if expr == "" {
		return time.Time{}, fmt.Errorf("empty cron expression")
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future firing", expr)
	}
	return next.UTC(), nil
}

// NextInterval returns now + interval seconds.
func NextInterval(now time.Time, seconds int) time.Time {
	return now.UTC().Add(time.Duration(seconds) * time.Second)
}

// NextExactTime returns the next occurrence of the wall-clock time "HH:MM" in
// tz after now: today's instant if it has not passed yet, otherwise
// tomorrow's.
func NextExactTime(hhmm, tz string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid exact time %q: %w", hhmm, err)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC(), nil
}

// Deadline adds a grace or timeout in seconds to a UTC instant. Deadlines are
// always pure duration arithmetic on UTC; re-deriving them through a local
// calendar shifts them across DST transitions.
func Deadline(base time.Time, seconds int) time.Time {
	return base.UTC().Add(time.Duration(seconds) * time.Second)
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
