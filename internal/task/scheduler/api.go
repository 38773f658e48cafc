package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "timerbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// AddInterval registers job to run every interval, each run bounded by
// timeout when it is positive. A schedule with the same name is replaced
// and keeps its run counters, which is how interval changes are applied on
// reload.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, opt Options, job Job) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", errors.New("schedule name required")
	case every <= 0:
		return "", fmt.Errorf("schedule %s: interval must be > 0", name)
	case job == nil:
		return "", fmt.Errorf("schedule %s: job required", name)
	}
	d := &scheduleDef{
		name:    name,
		spec:    "@every " + every.String(),
		every:   every,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &runState{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.findLocked(name); prev != nil {
		d.state = prev.state
		s.removeLocked(name)
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return name, nil
	}
	if err := s.addCronLocked(d); err != nil {
		return name, err
	}
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.Duration("every", every),
		logx.Duration("first_run_delay", d.firstRunDelay),
		logx.Time("next", s.c.Entry(d.entryID).Next),
	)
	return name, nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) findLocked(name string) *scheduleDef {
	for _, d := range s.defs {
		if d.name == name {
			return d
		}
	}
	return nil
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	if d.every <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", d.name)
	}
	sched, delay := everySchedule(d.every, d.opt, time.Now().In(s.loc))
	d.firstRunDelay = delay
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(d) }))
	return nil
}

// run executes one firing of d and records its outcome.
func (s *Service) run(d *scheduleDef) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	d.state.begin(start)
	var err error
	defer func() { d.state.end(time.Since(start), err) }()

	err = d.job(ctx)
	took := time.Since(start)

	log := s.log.With(logx.String("name", d.name), logx.Duration("took", took))
	switch {
	case err == nil:
		log.Trace("task finished")
	case errors.Is(err, context.Canceled):
		log.Debug("task cancelled")
	default:
		log.Warn("task failed", logx.Err(err))
	}
}
