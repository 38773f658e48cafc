package scheduler

import (
	"context"
	"strings"
	"time"

	logx "timerbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// New returns a stopped scheduler. Schedules may be added before Start.
func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log,
	}
	s.loc = s.location()
	return s
}

// location resolves cfg.Timezone, falling back to UTC: the relay's
// downtime window is defined in UTC.
func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Start registers every definition with a fresh cron instance and starts
// it. Jobs get a context derived from ctx that Stop cancels. Starting a
// running scheduler does nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	clog := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, cancels running jobs and waits for them until ctx
// is done. Definitions are kept, so Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCtx, s.runCancel = nil, nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	idle := c.Stop().Done()
	cancel()
	select {
	case <-idle:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, jobs still running", logx.Err(ctx.Err()))
	}
}
