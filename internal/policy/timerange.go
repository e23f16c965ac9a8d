package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dayLetters maps the single-letter day codes of the
// is_in_day_of_week_time_ranges grammar to weekdays.
var dayLetters = map[string]time.Weekday{
	"M": time.Monday,
	"T": time.Tuesday,
	"W": time.Wednesday,
	"R": time.Thursday,
	"F": time.Friday,
	"S": time.Saturday,
	"U": time.Sunday,
}

const secondsPerDay = 24 * 60 * 60

// dayRange is a half-open [Start, End) window in seconds of day.
// The literal "true" parses to the whole day [0, 86400).
type dayRange struct {
	Start int
	End   int
}

func (r dayRange) contains(secondOfDay int) bool {
	return secondOfDay >= r.Start && secondOfDay < r.End
}

// weekRange is one allowed window on one weekday, evaluated in the
// location its own value named.
type weekRange struct {
	day time.Weekday
	r   dayRange
	loc *time.Location
}

// WeekSchedule is a parsed is_in_day_of_week_time_ranges value set.
// Multiple entries for the same day merge.
type WeekSchedule struct {
	entries []weekRange
}

// ParseDayOfWeekTimeRanges parses a list of "D/R1,R2,...[/TZ]" strings where
// D is one of M T W R F S U and each R is either the literal "true" or
// "HH[:MM[:SS]]-HH[:MM[:SS]]" with start <= end. A timezone suffix applies
// only to the value that carries it; values without one use UTC.
func ParseDayOfWeekTimeRanges(values []string) (*WeekSchedule, error) {
	sched := &WeekSchedule{}
	for _, value := range values {
		// Timezone names may themselves contain slashes (America/New_York).
		parts := strings.SplitN(value, "/", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid day of week time range %q", value)
		}
		day, ok := dayLetters[parts[0]]
		if !ok {
			return nil, fmt.Errorf("invalid day of week %q", parts[0])
		}
		loc := time.UTC
		if len(parts) == 3 && parts[2] != "" {
			l, err := time.LoadLocation(parts[2])
			if err != nil {
				return nil, fmt.Errorf("invalid timezone %q: %w", parts[2], err)
			}
			loc = l
		}
		for _, rangeStr := range strings.Split(parts[1], ",") {
			r, err := parseTimeRange(rangeStr)
			if err != nil {
				return nil, err
			}
			sched.entries = append(sched.entries, weekRange{day: day, r: r, loc: loc})
		}
	}
	return sched, nil
}

func parseTimeRange(s string) (dayRange, error) {
	if s == "true" {
		return dayRange{Start: 0, End: secondsPerDay}, nil
	}
	start, end, found := strings.Cut(s, "-")
	if !found {
		return dayRange{}, fmt.Errorf("invalid time range: %q", s)
	}
	startSec, err := parseTimeOfDay(start)
	if err != nil {
		return dayRange{}, fmt.Errorf("invalid time range: %w", err)
	}
	endSec, err := parseTimeOfDay(end)
	if err != nil {
		return dayRange{}, fmt.Errorf("invalid time range: %w", err)
	}
	if startSec > endSec {
		return dayRange{}, fmt.Errorf("invalid time range: start %q is after end %q", start, end)
	}
	return dayRange{Start: startSec, End: endSec}, nil
}

// parseTimeOfDay parses "HH", "HH:MM" or "HH:MM:SS" into seconds of day.
func parseTimeOfDay(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 1 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	units := []int{0, 0, 0}
	limits := []int{23, 59, 59}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		units[i] = n
	}
	return units[0]*3600 + units[1]*60 + units[2], nil
}

// Conforms reports whether t falls inside any range of its weekday.
func (s *WeekSchedule) Conforms(t time.Time) bool {
	for _, e := range s.entries {
		local := t.In(e.loc)
		if local.Weekday() == e.day && e.r.contains(secondOfDay(local)) {
			return true
		}
	}
	return false
}

// WindowEnd returns the end of the allowed window containing t. Contiguous
// and overlapping ranges extend the window, even across values with
// different timezones. Returns false when t does not conform.
func (s *WeekSchedule) WindowEnd(t time.Time) (time.Time, bool) {
	end, ok := s.windowEndAt(t)
	if !ok {
		return time.Time{}, false
	}
	// Ranges are half-open, so a range starting exactly at the current end
	// contains it and extends the window. A week of steps is enough: more
	// means the schedule is always-on and the caller's subject expiry
	// bounds the result anyway.
	for i := 0; i < 8; i++ {
		next, ok := s.windowEndAt(end)
		if !ok || !next.After(end) {
			break
		}
		end = next
	}
	return end.In(time.UTC), true
}

// windowEndAt returns the latest end among ranges containing t.
func (s *WeekSchedule) windowEndAt(t time.Time) (time.Time, bool) {
	var best time.Time
	ok := false
	for _, e := range s.entries {
		local := t.In(e.loc)
		if local.Weekday() != e.day || !e.r.contains(secondOfDay(local)) {
			continue
		}
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
		end := midnight.Add(time.Duration(e.r.End) * time.Second)
		if !ok || end.After(best) {
			best, ok = end, true
		}
	}
	return best, ok
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
