// Package supervisor runs the process's long-lived goroutines under one
// context, recovering panics and keeping per-name statistics for /health.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "timerbot/pkg/logx"
)

// stableRun is how long a restarted goroutine must stay up before its
// backoff starts over.
const stableRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	// cancelOnErr cancels ctx when a goroutine fails.
	cancelOnErr bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	err   error
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats aggregates the runs of every goroutine started under one name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	Restarts    uint64        `json:"restarts"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

func WithCancelOnError(enabled bool) Option { return func(s *Supervisor) { s.cancelOnErr = enabled } }

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), stats: map[string]*GoroutineStats{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	var snap Snapshot
	if s.err != nil {
		snap.FirstError = s.err.Error()
	}
	for _, st := range s.stats {
		snap.Active += st.Active
		snap.Started += st.Started
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()
	sort.Slice(snap.Goroutines, func(i, j int) bool { return snap.Goroutines[i].Name < snap.Goroutines[j].Name })
	return snap
}

// Go runs fn once. A returned error or a panic is recorded as the
// supervisor's error; context.Canceled is a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runOnce(name, false, fn); err != nil {
			s.fail(err)
		}
	}()
}

// Go0 is Go for functions that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// runOnce runs fn with panic recovery and bookkeeping. It returns nil for a
// clean or cancelled exit, else the failure prefixed with name.
func (s *Supervisor) runOnce(name string, restart bool, fn func(ctx context.Context) error) (err error) {
	started := time.Now()
	s.track(name, func(st *GoroutineStats) {
		st.Active++
		st.Started++
		st.LastStartAt = started
		if restart {
			st.Restarts++
		}
	})
	s.log.Debug("goroutine started", logx.String("name", name), logx.Bool("restart", restart))

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.track(name, func(st *GoroutineStats) {
				st.Panics++
				st.LastPanic = fmt.Sprint(r)
			})
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
		ended := time.Now()
		s.track(name, func(st *GoroutineStats) {
			st.Active--
			st.LastRuntime = ended.Sub(started)
			if err != nil {
				st.LastErr = err.Error()
				st.LastErrAt = ended
			}
		})
	}()

	if err = fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) track(name string, update func(st *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	update(st)
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff, maxBackoff time.Duration
	// report records each failure as the supervisor's error (without
	// cancelling) so /health shows a crash-looping component.
	report bool
}

// WithRestartBackoff sets the backoff window between restarts.
func WithRestartBackoff(minWait, maxWait time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if minWait > 0 {
			p.minBackoff = minWait
		}
		if maxWait > 0 {
			p.maxBackoff = maxWait
		}
	}
}

// WithPublishFirstError makes restart failures visible through Err.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.report = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting
// it after each failure or panic with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := p.minBackoff
		for restart := false; ; restart = true {
			began := time.Now()
			err := s.runOnce(name, restart, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.report {
				s.record(err)
			}
			if time.Since(began) >= stableRun {
				backoff = p.minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	}()
}

// Stop cancels the context and waits for every goroutine until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
