package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  s.cfg.Timezone,
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	if s.loc != nil && out.Timezone == "" {
		out.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout, Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if out.Timezone == "" {
		out.Timezone = time.Local.String()
	}
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].Name < out.Schedules[j].Name })
	if eng != nil {
		out.Engine = eng.Snapshot()
	}
	return out
}
