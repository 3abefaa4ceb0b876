package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule string.
//
// Accepted forms:
//   - cron: "0 9 * * 1", "@hourly", "@every 55m"
//   - Go duration interval: "55m", "2h30m"
//   - HH:MM interval: "02:30" (every 2h30m)
//
// The prefixes "cron:", "interval:" and "every:" force a form.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// specParser accepts both 5-field and 6-field specs plus descriptors.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
		}
		return parseCron(expr)
	}
	for _, p := range []string{"interval:", "every:"} {
		if rest, ok := strings.CutPrefix(low, p); ok {
			return parseInterval(strings.TrimSpace(rest))
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return parseCron(s)
	}
	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 9 * * 1', HH:MM like '02:30' or a duration like '55m')", raw)
	}
	return ps, nil
}

func parseCron(expr string) (ParsedSpec, error) {
	if _, err := specParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

// WeeklySpec returns the cron spec firing at HH:MM on weekday.
func WeeklySpec(weekday time.Weekday, atHHMM string) (string, error) {
	if weekday < time.Sunday || weekday > time.Saturday {
		return "", fmt.Errorf("invalid weekday %d", weekday)
	}
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), nil
}

// MonthlySpec returns the cron spec firing at HH:MM on day (1..28). Days past
// 28 are refused because cron silently skips months that lack them.
func MonthlySpec(day int, atHHMM string) (string, error) {
	if day < 1 || day > 28 {
		return "", fmt.Errorf("invalid day of month %d, expected 1..28", day)
	}
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d %d * *", m, h, day), nil
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(v string) (time.Weekday, error) {
	low := strings.ToLower(strings.TrimSpace(v))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if low == name || low == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", v)
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	var (
		d   time.Duration
		src string
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
		}
		src = "duration"
	}
	if d <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}
