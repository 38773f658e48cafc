package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"

	"github.com/google/uuid"
)

// poller is one periodic loop over the scheduled accounts.
type poller struct {
	poll  Poll
	sched *Scheduler
	// run processes one account and returns the delivery outcome.
	run func(ctx context.Context, a storage.Account, u storage.User) (Outcome, error)
}

// runTick executes one scheduler tick. Only scheduling errors are returned;
// account failures are handled by the classifier.
func (e *Engine) runTick(ctx context.Context, p *poller) error {
	start := time.Now()
	runID := uuid.NewString()
	phase := p.sched.NextTick()
	log := e.log.With(
		logx.String("poll", string(p.poll)),
		logx.String("run_id", runID),
		logx.Int("phase", phase),
	)

	accounts, err := p.sched.Due(ctx, phase)
	if err != nil {
		log.Error("scheduling failed, tick aborted", logx.Err(err))
		return fmt.Errorf("%s tick: %w", p.poll, err)
	}
	if len(accounts) == 0 {
		log.Trace("nothing due")
		return nil
	}

	timeout := e.Settings().AccountTimeout
	forEachAccount(ctx, log, accounts, timeout,
		func(ctx context.Context, a storage.Account) error {
			u, err := e.userOf(ctx, a)
			if err != nil {
				return err
			}
			out, err := p.run(ctx, a, u)
			if err != nil {
				return err
			}
			e.classifier.RecordCycle(ctx, a, out.Failed > 0)
			return nil
		},
		func(ctx context.Context, a storage.Account, err error) {
			u, uerr := e.userOf(ctx, a)
			if uerr != nil {
				u = storage.User{ID: a.UserID}
			}
			e.classifier.Handle(ctx, p.poll, a, u, err)
		},
	)

	took := time.Since(start)
	log.Debug("tick finished", logx.Int("accounts", len(accounts)), logx.Duration("took", took))
	e.bus.Publish(eventbus.PollFinished{
		Poller:   string(p.poll),
		RunID:    runID,
		Phase:    phase,
		Accounts: len(accounts),
		Seconds:  took.Seconds(),
	})
	return nil
}

func (e *Engine) userOf(ctx context.Context, a storage.Account) (storage.User, error) {
	u, err := e.store.GetUser(ctx, a.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{ID: a.UserID}, nil
	}
	if err != nil {
		return storage.User{}, fmt.Errorf("load user %d: %w", a.UserID, err)
	}
	return u, nil
}

func (e *Engine) pollNotifications(ctx context.Context, a storage.Account, u storage.User) (Outcome, error) {
	var out Outcome
	ns, err := e.upstream.Notifications(ctx, character(a))
	if err != nil {
		return out, err
	}
	// ESI lists newest first.
	events := make([]Event, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		events = append(events, EventFrom(ns[i]))
	}
	sortOldestFirst(events)

	for _, ev := range events {
		o, err := e.events.Apply(ctx, a, u, ev)
		out.merge(o)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *Engine) pollStructures(ctx context.Context, a storage.Account, u storage.User) (Outcome, error) {
	var out Outcome
	ss, err := e.upstream.Structures(ctx, character(a))
	if err != nil {
		return out, err
	}
	for _, s := range ss {
		o, err := e.structures.Apply(ctx, u, ObservationFrom(s))
		out.merge(o)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func sortOldestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, tj := events[i].Timestamp, events[j].Timestamp
		switch {
		case ti == nil && tj == nil:
			return false
		case ti == nil:
			return false
		case tj == nil:
			return true
		}
		return ti.Before(*tj)
	})
}
