package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"

	"golang.org/x/time/rate"
)

// ErrNoDestination is recorded for users that never set a chat.
var ErrNoDestination = errors.New("notifier: user has no destination")

// Service is the delivery gateway.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	sender  kit.Sender
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter

	umu         sync.Mutex
	unreachable map[int64]*Unreachable

	wmu    sync.Mutex
	warned map[string]time.Time

	now func() time.Time
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender:      sender,
		log:         log,
		bus:         bus,
		unreachable: map[int64]*Unreachable{},
		warned:      map[string]time.Time{},
		now:         time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.WarningCooldown < 0 {
		cfg.WarningCooldown = 0
	}
	if cfg.WarningCacheSize <= 0 {
		cfg.WarningCacheSize = 4096
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Deliver sends text to the user's destination. It reports whether the
// message was accepted by the transport.
func (s *Service) Deliver(ctx context.Context, u storage.User, text string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if text == "" {
		return true
	}
	if u.ChatID == 0 {
		s.markFailed(u, ErrNoDestination)
		return false
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		s.markFailed(u, ErrNoDestination)
		return false
	}

	maxAttempts := 1 + cfg.RetryMax
	to := kit.ChatTarget{ChatID: u.ChatID, ThreadID: u.ThreadID}

	var lastErr error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := sender.SendText(callCtx, to, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.markDelivered(u)
			return true
		}
		lastErr = err
		s.log.Debug("delivery attempt failed",
			logx.Int64("user_id", u.ID),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if errors.Is(err, kit.ErrUnreachable) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			break attempts
		}
	}

	s.markFailed(u, lastErr)
	return false
}

// Warn delivers a background warning unless the same key was delivered
// within the cool-down. A suppressed warning counts as delivered.
func (s *Service) Warn(ctx context.Context, u storage.User, key, text string) bool {
	s.mu.Lock()
	cooldown := s.cfg.WarningCooldown
	max := s.cfg.WarningCacheSize
	s.mu.Unlock()

	now := s.now()
	s.wmu.Lock()
	if until, ok := s.warned[key]; ok && now.Before(until) {
		s.wmu.Unlock()
		s.log.Debug("warning suppressed", logx.String("key", key), logx.Time("until", until))
		return true
	}
	s.wmu.Unlock()

	ok := s.Deliver(ctx, u, text)
	s.bus.Publish(eventbus.Warning{Key: key, Sent: ok})
	if !ok || cooldown <= 0 {
		return ok
	}

	s.wmu.Lock()
	s.warned[key] = now.Add(cooldown)
	s.pruneWarnedLocked(now, max)
	s.wmu.Unlock()
	return true
}

// ResetWarning forgets the cool-down of key.
func (s *Service) ResetWarning(key string) {
	s.wmu.Lock()
	delete(s.warned, key)
	s.wmu.Unlock()
}

// Snapshot returns the users whose deliveries are currently failing,
// ordered by user id.
func (s *Service) Snapshot() []Unreachable {
	s.umu.Lock()
	out := make([]Unreachable, 0, len(s.unreachable))
	for _, u := range s.unreachable {
		out = append(out, *u)
	}
	s.umu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Service) markDelivered(u storage.User) {
	s.umu.Lock()
	prev, was := s.unreachable[u.ID]
	delete(s.unreachable, u.ID)
	s.umu.Unlock()

	if was {
		s.log.Info("user reachable again",
			logx.Int64("user_id", u.ID),
			logx.Int("failed_attempts", prev.Attempts),
			logx.Duration("unreachable_for", s.now().Sub(prev.Since)),
		)
	}
	s.bus.Publish(eventbus.Delivered{UserID: u.ID, ChatID: u.ChatID})
}

func (s *Service) markFailed(u storage.User, err error) {
	if err == nil {
		err = errors.New("unknown delivery failure")
	}
	now := s.now()

	s.umu.Lock()
	entry, seen := s.unreachable[u.ID]
	if !seen {
		entry = &Unreachable{UserID: u.ID, ChatID: u.ChatID, Since: now}
		s.unreachable[u.ID] = entry
	}
	entry.Attempts++
	entry.ChatID = u.ChatID
	entry.LastError = err.Error()
	s.umu.Unlock()

	// Only the first failure of a streak is worth a warn line.
	if !seen {
		s.log.Warn("user unreachable, alerts are not delivered",
			logx.Int64("user_id", u.ID),
			logx.Int64("chat_id", u.ChatID),
			logx.Err(err),
		)
	}
	s.bus.Publish(eventbus.DeliveryFailed{UserID: u.ID, ChatID: u.ChatID, Error: err.Error()})
}

func (s *Service) pruneWarnedLocked(now time.Time, max int) {
	for k, until := range s.warned {
		if !now.Before(until) {
			delete(s.warned, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.warned) > max {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.warned {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		if !set {
			break
		}
		delete(s.warned, minKey)
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
