package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	kit "timerbot/internal/transport"
	"timerbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails []error // consumed one per call; nil entries succeed
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testConfig() Config {
	return Config{
		RatePerSec:       1000,
		RetryMax:         2,
		RetryBase:        time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		WarningCooldown:  time.Hour,
		WarningCacheSize: 2,
	}
}

var user = storage.User{ID: 1, ChatID: 100}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	fs := &fakeSender{fails: []error{errors.New("timeout"), nil}}
	s := New(testConfig(), fs, logx.Nop(), nil)

	if !s.Deliver(context.Background(), user, "hello") {
		t.Fatal("expected delivery to succeed after retry")
	}
	if fs.count() != 1 {
		t.Fatalf("sent = %d, want 1", fs.count())
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("user should not be marked unreachable")
	}
}

func TestDeliverStopsOnUnreachable(t *testing.T) {
	fs := &fakeSender{fails: []error{fmt.Errorf("%w: blocked", kit.ErrUnreachable), nil, nil}}
	s := New(testConfig(), fs, logx.Nop(), nil)

	if s.Deliver(context.Background(), user, "hello") {
		t.Fatal("expected delivery to fail")
	}
	if fs.count() != 0 {
		t.Fatal("unreachable errors must not be retried")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].UserID != 1 || snap[0].Attempts != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	// A later success clears the entry.
	if !s.Deliver(context.Background(), user, "again") {
		t.Fatal("expected second delivery to succeed")
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("user should be reachable again")
	}
}

func TestDeliverWithoutDestination(t *testing.T) {
	fs := &fakeSender{}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TopicDeliveryFailed)
	defer unsub()
	s := New(testConfig(), fs, logx.Nop(), bus)

	if s.Deliver(context.Background(), storage.User{ID: 2}, "hello") {
		t.Fatal("expected failure without chat id")
	}
	select {
	case e := <-ch:
		d, ok := e.Payload.(eventbus.DeliveryFailed)
		if !ok || d.Error != ErrNoDestination.Error() {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("expected a delivery.failed event")
	}
}

func TestWarnCooldown(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if !s.Warn(context.Background(), user, "k", "warn") {
		t.Fatal("first warning should be delivered")
	}
	if !s.Warn(context.Background(), user, "k", "warn") {
		t.Fatal("suppressed warning should report true")
	}
	if fs.count() != 1 {
		t.Fatalf("sent = %d, want 1", fs.count())
	}

	now = now.Add(time.Hour + time.Second)
	s.Warn(context.Background(), user, "k", "warn")
	if fs.count() != 2 {
		t.Fatalf("sent = %d after cooldown, want 2", fs.count())
	}
}

func TestFailedWarnIsNotCooledDown(t *testing.T) {
	fs := &fakeSender{fails: []error{kit.ErrUnreachable}}
	s := New(testConfig(), fs, logx.Nop(), nil)

	if s.Warn(context.Background(), user, "k", "warn") {
		t.Fatal("expected failure")
	}
	if !s.Warn(context.Background(), user, "k", "warn") {
		t.Fatal("expected retry to deliver")
	}
	if fs.count() != 1 {
		t.Fatalf("sent = %d, want 1", fs.count())
	}
}

func TestWarnCacheIsBounded(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	s.now = func() time.Time { return base.Add(time.Duration(step) * time.Second) }

	for _, k := range []string{"a", "b", "c"} {
		s.Warn(context.Background(), user, k, "warn "+k)
		step++
	}
	s.wmu.Lock()
	n := len(s.warned)
	_, hasA := s.warned["a"]
	s.wmu.Unlock()
	if n != 2 {
		t.Fatalf("cache size = %d, want 2", n)
	}
	if hasA {
		t.Fatal("oldest key should be evicted first")
	}
}
