package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "0 9 * * 1", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "every descriptor", raw: "@every 55m", kind: SpecCron, source: "cron"},
		{name: "six fields", raw: "30 0 9 * * 1", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 9 1 * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "prefixed every", raw: "every:02:00", kind: SpecInterval, source: "hhmm", duration: 2 * time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
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

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"", "not-a-schedule", "00:00", "-5m", "01:75", "cron:",
		"every tuesday", "@fortnightly", "0 25 * * *", "cron:* * *",
	} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}
	for _, bad := range []string{"24:00", "12:60", "0900", "aa:bb"} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q): expected error", bad)
		}
	}
}

func TestCalendarSpecs(t *testing.T) {
	t.Parallel()
	spec, err := WeeklySpec(time.Tuesday, "07:30")
	if err != nil || spec != "30 7 * * 2" {
		t.Fatalf("WeeklySpec = %q, %v", spec, err)
	}
	spec, err = MonthlySpec(28, "23:05")
	if err != nil || spec != "5 23 28 * *" {
		t.Fatalf("MonthlySpec = %q, %v", spec, err)
	}
	for _, day := range []int{0, 29, 31} {
		if _, err := MonthlySpec(day, "09:00"); err == nil {
			t.Fatalf("MonthlySpec(%d): expected error", day)
		}
	}
	if _, err := WeeklySpec(time.Weekday(7), "09:00"); err == nil {
		t.Fatal("WeeklySpec(7): expected error")
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	for raw, want := range map[string]time.Weekday{"monday": time.Monday, "Tue": time.Tuesday, " SUNDAY ": time.Sunday} {
		got, err := ParseWeekday(raw)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q) = %v, %v", raw, got, err)
		}
	}
	for _, bad := range []string{"", "mo", "funday"} {
		if _, err := ParseWeekday(bad); err == nil {
			t.Fatalf("ParseWeekday(%q): expected error", bad)
		}
	}
}
