package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind tags a Spec as fixed-interval or calendar driven.
type Kind int

const (
	KindInterval Kind = iota + 1
	KindCalendar
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindCalendar:
		return "calendar"
	default:
		return "unknown"
	}
}

// cron syntax with an optional leading seconds field and @descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// InvalidScheduleError reports a schedule that cannot be used.
type InvalidScheduleError struct {
	Expression string
	Err        error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Expression, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// Spec is either Interval(duration) or Calendar(expression, timezone).
// It is built once at configuration time and never re-parsed.
type Spec struct {
	kind       Kind
	interval   time.Duration
	expression string
	location   *time.Location
	schedule   cron.Schedule
}

// IntervalSpec builds a fixed-interval schedule.
func IntervalSpec(d time.Duration) (Spec, error) {
	if d <= 0 {
		return Spec{}, &InvalidScheduleError{Expression: d.String(), Err: errors.New("interval must be positive")}
	}
	return Spec{kind: KindInterval, interval: d}, nil
}

// CalendarSpec validates a cron expression and binds it to a timezone.
func CalendarSpec(expression, timezone string) (Spec, error) {
	expression = strings.TrimSpace(expression)
	loc, err := loadLocation(timezone)
	if err != nil {
		return Spec{}, &InvalidScheduleError{Expression: expression, Err: err}
	}
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return Spec{}, &InvalidScheduleError{Expression: expression, Err: err}
	}
	return Spec{kind: KindCalendar, expression: expression, location: loc, schedule: schedule}, nil
}

// ParseSpec decides the variant from a raw config string: a positive Go
// duration ("30s", "5m") is an interval, anything else a calendar expression.
func ParseSpec(raw, timezone string) (Spec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Spec{}, &InvalidScheduleError{Expression: raw, Err: errors.New("empty schedule")}
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return IntervalSpec(d)
	}
	return CalendarSpec(raw, timezone)
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func (s Spec) Kind() Kind              { return s.kind }
func (s Spec) Interval() time.Duration { return s.interval }
func (s Spec) Expression() string      { return s.expression }
func (s Spec) IsZero() bool            { return s.kind == 0 }

// Location is the timezone of a calendar spec; UTC for intervals.
func (s Spec) Location() *time.Location {
	if s.location == nil {
		return time.UTC
	}
	return s.location
}

// Next returns the first activation strictly after t.
func (s Spec) Next(t time.Time) time.Time {
	switch s.kind {
	case KindInterval:
		return t.Add(s.interval)
	case KindCalendar:
		return s.schedule.Next(t.In(s.Location()))
	default:
		return time.Time{}
	}
}

func (s Spec) String() string {
	switch s.kind {
	case KindInterval:
		return "every " + s.interval.String()
	case KindCalendar:
		return fmt.Sprintf("cron %q (%s)", s.expression, s.Location())
	default:
		return "unset"
	}
}
