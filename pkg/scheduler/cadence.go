package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSearchHorizon bounds the minute-by-minute search for the next match,
// generously past the rarest valid expression (Feb 29).
const cronSearchHorizon = 5 * 366 * 24 * time.Hour

// nextRunForCadence computes the next run after now for a cadence string:
// either "@every <duration>" or a 5-field cron expression.
func nextRunForCadence(cadence string, now time.Time, loc *time.Location) (time.Time, error) {
	if after, ok := strings.CutPrefix(cadence, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(after))
		if err != nil {
			return time.Time{}, errors.Join(schedulerError(ErrInvalidCadence, "invalid @every duration"), err)
		}
		if interval <= 0 {
			return time.Time{}, schedulerError(ErrInvalidCadence, "@every duration must be > 0")
		}
		return now.Add(interval).UTC(), nil
	}

	sched, err := parseCronSchedule(cadence)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := sched.next(now, loc)
	if !ok {
		return time.Time{}, schedulerError(ErrInvalidCadence, fmt.Sprintf("unable to find next run for cadence %q", cadence))
	}
	return next, nil
}

// cronField is the set of values one cron field accepts, as a bitset. A
// literal "*" is tracked separately because it changes how the two day
// fields combine.
type cronField struct {
	star bool
	bits uint64
}

func (f cronField) has(value int) bool {
	return f.star || f.bits&(1<<uint(value)) != 0
}

type cronSchedule struct {
	minute cronField
	hour   cronField
	dom    cronField
	month  cronField
	dow    cronField
}

// next searches forward at minute granularity for the first match after now.
func (s *cronSchedule) next(now time.Time, loc *time.Location) (time.Time, bool) {
	candidate := now.Truncate(time.Minute).Add(time.Minute)
	horizon := candidate.Add(cronSearchHorizon)
	for candidate.Before(horizon) {
		local := candidate.In(loc)
		if s.matchesAt(local) {
			return local.UTC(), true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

func (s *cronSchedule) matchesAt(t time.Time) bool {
	if !s.minute.has(t.Minute()) || !s.hour.has(t.Hour()) || !s.month.has(int(t.Month())) {
		return false
	}

	// Standard cron: a restricted day-of-month and a restricted day-of-week
	// are OR-ed; a "*" in either defers to the other.
	domOK := s.dom.has(t.Day())
	dowOK := s.dow.has(int(t.Weekday()))
	switch {
	case s.dom.star:
		return dowOK
	case s.dow.star:
		return domOK
	default:
		return domOK || dowOK
	}
}

var cronFieldSpecs = [5]struct {
	name       string
	min, max   int
	sundayWrap bool
}{
	{"minute", 0, 59, false},
	{"hour", 0, 23, false},
	{"day-of-month", 1, 31, false},
	{"month", 1, 12, false},
	{"day-of-week", 0, 7, true},
}

func parseCronSchedule(expr string) (*cronSchedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFieldSpecs) {
		return nil, schedulerError(ErrInvalidCadence, fmt.Sprintf("unsupported cadence format %q", expr))
	}

	var sched cronSchedule
	targets := [5]*cronField{&sched.minute, &sched.hour, &sched.dom, &sched.month, &sched.dow}
	for i, spec := range cronFieldSpecs {
		field, err := parseCronField(parts[i], spec.min, spec.max, spec.sundayWrap)
		if err != nil {
			return nil, errors.Join(
				schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid %s field %q", spec.name, parts[i])), err)
		}
		*targets[i] = field
	}
	return &sched, nil
}

func parseCronField(raw string, min, max int, sundayWrap bool) (cronField, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cronField{}, schedulerError(ErrInvalidCadence, "empty field")
	}
	if raw == "*" {
		return cronField{star: true}, nil
	}

	var field cronField
	for _, part := range strings.Split(raw, ",") {
		if err := field.addPart(strings.TrimSpace(part), min, max, sundayWrap); err != nil {
			return cronField{}, err
		}
	}
	if field.bits == 0 {
		return cronField{}, schedulerError(ErrInvalidCadence, "no values parsed")
	}
	return field, nil
}

// addPart parses one comma segment: a single value, a range, or either with
// a "/step" suffix, and sets the covered bits.
func (f *cronField) addPart(part string, min, max int, sundayWrap bool) error {
	if part == "" {
		return schedulerError(ErrInvalidCadence, "empty segment")
	}

	base, stepRaw, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		parsed, err := strconv.Atoi(strings.TrimSpace(stepRaw))
		if err != nil || parsed <= 0 {
			return schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid step value %q", stepRaw))
		}
		step = parsed
	}
	base = strings.TrimSpace(base)

	start, end := min, max
	switch {
	case base == "*" || base == "":
	case strings.Contains(base, "-"):
		lowRaw, highRaw, _ := strings.Cut(base, "-")
		low, err := strconv.Atoi(strings.TrimSpace(lowRaw))
		if err != nil {
			return schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid range start %q", lowRaw))
		}
		high, err := strconv.Atoi(strings.TrimSpace(highRaw))
		if err != nil {
			return schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid range end %q", highRaw))
		}
		start, end = wrapSunday(low, sundayWrap), wrapSunday(high, sundayWrap)
	default:
		value, err := strconv.Atoi(base)
		if err != nil {
			return schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid value %q", base))
		}
		start = wrapSunday(value, sundayWrap)
		end = start
		if step > 1 {
			end = max
		}
	}

	if start < min || start > max || end < min || end > max {
		return schedulerError(ErrInvalidCadence, fmt.Sprintf("segment %q out of range [%d,%d]", part, min, max))
	}
	if end < start {
		return schedulerError(ErrInvalidCadence, fmt.Sprintf("invalid range %d-%d", start, end))
	}

	for v := start; v <= end; v += step {
		wrapped := wrapSunday(v, sundayWrap)
		if wrapped < min || wrapped > max {
			continue
		}
		f.bits |= 1 << uint(wrapped)
	}
	return nil
}

// wrapSunday maps the alternate Sunday spelling 7 to 0 in day-of-week.
func wrapSunday(value int, enabled bool) int {
	if enabled && value == 7 {
		return 0
	}
	return value
}
