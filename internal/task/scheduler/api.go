package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reminderd/internal/task/engine"
	logx "reminderd/pkg/logx"
)

// AddSchedule parses schedule with ParseSchedule and registers a cron or
// interval task under name. Registering an existing name replaces it.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, opt engine.Options, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, opt, job)
	default:
		return fmt.Errorf("unsupported schedule kind %d", ps.Kind)
	}
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, opt engine.Options, job func(ctx context.Context) error) error {
	spec = strings.TrimSpace(spec)
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.register(scheduleDef{name: name, spec: spec, timeout: timeout, opt: opt, job: job})
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, opt engine.Options, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", name)
	}
	return s.register(scheduleDef{name: name, spec: "@every " + every.String(), timeout: timeout, opt: opt, job: job})
}

// AddWeekly runs at HH:MM on weekday in the scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, opt engine.Options, job func(ctx context.Context) error) error {
	spec, err := WeeklySpec(weekday, atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.AddCron(name, spec, timeout, opt, job)
}

// AddMonthly runs at HH:MM on day (1..28) of every month.
func (s *Service) AddMonthly(name string, day int, atHHMM string, timeout time.Duration, opt engine.Options, job func(ctx context.Context) error) error {
	spec, err := MonthlySpec(day, atHHMM)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.AddCron(name, spec, timeout, opt, job)
}

func (s *Service) register(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("schedule name required")
	}
	if d.job == nil {
		return fmt.Errorf("schedule %q: job required", d.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	def := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(def); err != nil {
		s.defs = s.defs[:len(s.defs)-1]
		return err
	}
	fields := []logx.Field{logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout)}
	if next := s.previewNextRunsLocked(d.spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, opt, run := d.name, d.timeout, d.opt, d.job
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Opt: opt, Run: run})
		s.reportEnqueueError(name, err)
	})

	// Interval schedules get a random first-run spread so a restart does not
	// fire them all in the same second.
	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc), d.name)
			d.spread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.spread = 0
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// previewNextRunsLocked lists the next n fire times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || strings.HasPrefix(spec, "@every") {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	next := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		next = append(next, t.Format("2006-01-02 15:04"))
	}
	return strings.Join(next, ", ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
