package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// maxSearchYears bounds the next-occurrence walk per §4.1: an expression
// that cannot match within five years is treated as unsatisfiable rather
// than looping forever.
const maxSearchYears = 5

// CronParser parses 5, 6, or 7 field cron expressions (or a plain duration
// string for interval-style triggers) in a declared timezone and computes
// the next occurrence strictly after a supplied instant.
//
// robfig/cron's own parser handles 5- and 6-field expressions and DST
// natively (Schedule.Next is computed in the Schedule's own location); the
// optional 7th (year) field has no library equivalent, so CronParser layers
// a bounded retry loop on top: it keeps asking the underlying schedule for
// the next candidate until one falls in an allowed year, skipping the rest
// of each disallowed year, and returns the zero time once the candidate
// lies more than maxSearchYears past the starting instant.
type CronParser struct {
	parser cron.Parser
}

// NewCronParser builds a parser accepting optional-seconds 5/6-field
// expressions plus descriptors (@daily, @every 5m, ...): the teacher's
// scheduler field mask with the seconds field made optional, so a 5-field
// expression runs at second 0.
func NewCronParser() *CronParser {
	return &CronParser{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// yearSchedule wraps a cron.Schedule plus an optional allowed-years set
// parsed out of a 7th field.
type yearSchedule struct {
	inner cron.Schedule
	years map[int]bool // nil means "any year"
}

func (y yearSchedule) Next(t time.Time) time.Time {
	if y.years == nil {
		return y.inner.Next(t)
	}
	cursor := t
	deadline := t.AddDate(maxSearchYears, 0, 0)
	for {
		next := y.inner.Next(cursor)
		if next.IsZero() || next.After(deadline) {
			return time.Time{}
		}
		if y.years[next.Year()] {
			return next
		}
		cursor = time.Date(next.Year()+1, 1, 1, 0, 0, 0, 0, next.Location()).Add(-time.Second)
	}
}

// Parse validates expr and returns a cron.Schedule usable with CronScheduler
// or robfig/cron's own Cron type. expr may be a standard cron expression, a
// descriptor (@every 1h), or a bare duration string ("30s") for interval
// triggers restored per the supplemented-features list.
func (p *CronParser) Parse(expr string, timezone string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		return cron.ConstantDelaySchedule{Delay: d}, nil
	}

	fieldExpr, years, err := splitYearField(expr)
	if err != nil {
		return nil, err
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
		}
		loc = l
	}

	sched, err := p.parser.Parse(fieldExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return yearSchedule{inner: &locatedSchedule{sched: sched, loc: loc}, years: years}, nil
}

// locatedSchedule reinterprets the instant handed to Next in the target
// zone before delegating, so a schedule string like "0 30 2 * * *" is
// evaluated against local civil time of loc regardless of the timezone
// carried by the caller's `now`.
type locatedSchedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (l *locatedSchedule) Next(t time.Time) time.Time {
	return l.sched.Next(t.In(l.loc)).In(l.loc)
}

// RequiresSubSecondResolution reports whether expr pins down the seconds
// field, per §4.4's "resolution must be ≤ 1s" rule. A 6- or 7-field
// expression (or an interval shorter than a minute) requires it.
func RequiresSubSecondResolution(expr string) bool {
	if d, err := time.ParseDuration(expr); err == nil {
		return d < time.Minute
	}
	fields := strings.Fields(expr)
	return len(fields) >= 6
}

// splitYearField strips a trailing 7th field (year) from expr, returning
// the 5/6-field expression robfig/cron understands plus the set of
// allowed years (nil if unrestricted). Supports '*', comma-lists, ranges
// and steps on the year field, mirroring the other fields' grammar.
func splitYearField(expr string) (string, map[int]bool, error) {
	fields := strings.Fields(expr)
	if len(fields) != 7 {
		return expr, nil, nil
	}

	yearField := fields[6]
	joined := strings.Join(fields[:6], " ")

	if yearField == "*" {
		return joined, nil, nil
	}

	years, err := parseYearField(yearField)
	if err != nil {
		return "", nil, fmt.Errorf("invalid year field %q: %w", yearField, err)
	}
	return joined, years, nil
}

func parseYearField(field string) (map[int]bool, error) {
	years := make(map[int]bool)

	for _, part := range strings.Split(field, ",") {
		step := 1
		rangePart := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			var err error
			step, err = strconv.Atoi(part[idx+1:])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
		}

		var lo, hi int
		var err error
		if idx := strings.IndexByte(rangePart, '-'); idx >= 0 {
			lo, err = strconv.Atoi(rangePart[:idx])
			if err != nil {
				return nil, err
			}
			hi, err = strconv.Atoi(rangePart[idx+1:])
			if err != nil {
				return nil, err
			}
		} else {
			lo, err = strconv.Atoi(rangePart)
			if err != nil {
				return nil, err
			}
			hi = lo
		}

		for y := lo; y <= hi; y += step {
			years[y] = true
		}
	}

	return years, nil
}
