package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"timerbot/pkg/logx"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestIntervalRunsAtStartAndRecordsFailures(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int32
	if _, err := s.AddInterval("poll", time.Second, time.Second, Options{RunAtStart: true}, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("upstream down")
	}); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
	waitFor(t, time.Second, func() bool {
		snap := s.Snapshot()
		return len(snap.Schedules) == 1 && snap.Schedules[0].Failures >= 1
	})
	snap := s.Snapshot()
	if snap.Schedules[0].LastError != "upstream down" {
		t.Fatalf("last error = %q", snap.Schedules[0].LastError)
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("timezone = %q", snap.Timezone)
	}
}

func TestAddIsUpsertByName(t *testing.T) {
	s := New(Config{}, logx.Nop())
	job := func(ctx context.Context) error { return nil }
	if _, err := s.AddInterval("cleanup", time.Hour, 0, Options{}, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddInterval("cleanup", 30*time.Minute, 0, Options{}, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "@every 30m0s" {
		t.Fatalf("spec = %q", snap.Schedules[0].Spec)
	}
	if !s.Remove("cleanup") || s.Remove("cleanup") {
		t.Fatal("Remove should report true once")
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s := New(Config{}, logx.Nop())
	job := func(ctx context.Context) error { return nil }
	if _, err := s.AddInterval("", time.Minute, 0, Options{}, job); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := s.AddInterval("x", 0, 0, Options{}, job); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := s.AddInterval("x", time.Minute, 0, Options{}, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestEveryScheduleFirstRun(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		every    time.Duration
		opt      Options
		earliest time.Duration
		latest   time.Duration
	}{
		{"run at start", time.Minute, Options{RunAtStart: true}, 0, maxFirstRunDelay},
		{"one interval later", time.Minute, Options{}, time.Minute, time.Minute + maxFirstRunDelay},
		{"short interval caps delay", 2 * time.Second, Options{RunAtStart: true}, 0, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, delay := everySchedule(tt.every, tt.opt, now)
			first := sched.Next(now)
			if first.Before(now.Add(tt.earliest)) || !first.Before(now.Add(tt.latest)) {
				t.Fatalf("first run at +%v, want in [%v, %v)", first.Sub(now), tt.earliest, tt.latest)
			}
			if delay < 0 || delay >= min(tt.every, maxFirstRunDelay) {
				t.Fatalf("delay = %v", delay)
			}
			// cron.Every runs on whole seconds.
			if gap := sched.Next(first).Sub(first); gap > tt.every || gap <= tt.every-time.Second {
				t.Fatalf("second run %v after first, want about %v", gap, tt.every)
			}
		})
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := New(Config{}, logx.Nop())
	started := make(chan struct{})
	var cancelled atomic.Bool
	_, _ = s.AddInterval("slow", time.Second, 0, Options{RunAtStart: true}, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if !cancelled.Load() {
		t.Fatal("running job should observe cancellation")
	}
}
