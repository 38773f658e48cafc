package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.cfg.Timezone
	defs := make([]*scheduleDef, len(s.defs))
	copy(defs, s.defs)
	entries := make([]struct{ next, prev time.Time }, len(defs))
	if s.c != nil {
		for i, d := range defs {
			if d.entryID != 0 {
				e := s.c.Entry(d.entryID)
				entries[i].next, entries[i].prev = e.Next, e.Prev
			}
		}
	}
	loc := s.loc
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for i, d := range defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Next:    entries[i].next,
			Prev:    entries[i].prev,
		}
		d.state.mu.Lock()
		it.Running = d.state.running
		it.Runs = d.state.runs
		it.Failures = d.state.failures
		it.LastDuration = d.state.lastDuration
		it.LastError = d.state.lastErr
		d.state.mu.Unlock()
		items = append(items, it)
	}
	return Snapshot{Timezone: tz, Schedules: items}
}
