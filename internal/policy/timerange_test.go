package policy

import (
	"strings"
	"testing"
	"time"
)

func TestParseDayOfWeekTimeRanges_TrueLiteral(t *testing.T) {
	sched, err := ParseDayOfWeekTimeRanges([]string{"M/true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(sched.entries))
	}
	e := sched.entries[0]
	if e.day != time.Monday || e.r.Start != 0 || e.r.End != secondsPerDay {
		t.Fatalf("expected whole-day Monday range, got %+v", e)
	}
}

func TestParseDayOfWeekTimeRanges_InvalidHour(t *testing.T) {
	_, err := ParseDayOfWeekTimeRanges([]string{"M/25-17:00:00"})
	if err == nil {
		t.Fatalf("expected error for hour 25")
	}
	if !strings.Contains(err.Error(), "invalid time range") {
		t.Fatalf("expected 'invalid time range' error, got: %v", err)
	}
}

func TestParseDayOfWeekTimeRanges_StartAfterEnd(t *testing.T) {
	_, err := ParseDayOfWeekTimeRanges([]string{"F/17:00:00-08:00:00"})
	if err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if !strings.Contains(err.Error(), "invalid time range") {
		t.Fatalf("expected 'invalid time range' error, got: %v", err)
	}
}

func TestParseDayOfWeekTimeRanges_InvalidDay(t *testing.T) {
	if _, err := ParseDayOfWeekTimeRanges([]string{"X/true"}); err == nil {
		t.Fatalf("expected error for unknown day letter")
	}
}

func TestParseDayOfWeekTimeRanges_MergesSameDay(t *testing.T) {
	sched, err := ParseDayOfWeekTimeRanges([]string{"M/09:00-12:00", "M/13:00-17:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.entries) != 2 {
		t.Fatalf("expected merged entries, got %+v", sched.entries)
	}
	for _, e := range sched.entries {
		if e.day != time.Monday {
			t.Fatalf("expected Monday entries, got %+v", e)
		}
	}
}

func TestWeekSchedule_Conforms(t *testing.T) {
	sched, err := ParseDayOfWeekTimeRanges([]string{"M/09:00:00-17:00:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2024-01-01 is a Monday.
	monday := func(h, m, s int) time.Time {
		return time.Date(2024, 1, 1, h, m, s, 0, time.UTC)
	}

	cases := []struct {
		at   time.Time
		want bool
	}{
		{monday(9, 0, 0), true},
		{monday(12, 30, 0), true},
		{monday(16, 59, 59), true},
		{monday(17, 0, 0), false}, // window end is exclusive
		{monday(8, 59, 59), false},
		{time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), false}, // Tuesday
	}
	for _, c := range cases {
		if got := sched.Conforms(c.at); got != c.want {
			t.Fatalf("Conforms(%v) = %v, want %v", c.at, got, c.want)
		}
	}
}

func TestWeekSchedule_WindowEnd(t *testing.T) {
	sched, err := ParseDayOfWeekTimeRanges([]string{"M/09:00-12:00,12:00-17:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end, ok := sched.WindowEnd(at)
	if !ok {
		t.Fatalf("expected conforming window")
	}
	// Contiguous ranges extend the window to 17:00.
	want := time.Date(2024, 1, 1, 17, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Fatalf("WindowEnd = %v, want %v", end, want)
	}
}

func TestWeekSchedule_Timezone(t *testing.T) {
	sched, err := ParseDayOfWeekTimeRanges([]string{"M/09:00-17:00/America/New_York"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 14:00 UTC on Monday 2024-01-01 is 09:00 in New York.
	at := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if !sched.Conforms(at) {
		t.Fatalf("expected 14:00 UTC to conform to a 09:00 New York window")
	}
	// 13:59 UTC is 08:59 in New York.
	if sched.Conforms(at.Add(-time.Minute)) {
		t.Fatalf("expected 13:59 UTC not to conform")
	}
}

func TestWeekSchedule_TimezonePerValue(t *testing.T) {
	// The Tuesday value names a timezone; the Monday value must keep UTC.
	sched, err := ParseDayOfWeekTimeRanges([]string{
		"M/09:00-17:00",
		"T/09:00-17:00/America/New_York",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2024-01-01 is a Monday.
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	if !sched.Conforms(at) {
		t.Fatalf("expected 09:00 UTC Monday to conform")
	}
	// 09:00 UTC Tuesday is 04:00 in New York, outside the Tuesday window.
	if sched.Conforms(at.Add(24 * time.Hour)) {
		t.Fatalf("expected 09:00 UTC Tuesday not to conform")
	}
	// 14:30 UTC Tuesday is 09:30 in New York; the window ends 17:00 New
	// York, which is 22:00 UTC.
	tue := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	end, ok := sched.WindowEnd(tue)
	if !ok {
		t.Fatalf("expected conforming Tuesday window")
	}
	want := time.Date(2024, 1, 2, 22, 0, 0, 0, time.UTC)
	if !end.Equal(want) {
		t.Fatalf("WindowEnd = %v, want %v", end, want)
	}
}
