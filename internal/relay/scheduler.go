package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"timerbot/internal/storage"
)

// AccountLister is the part of the store the scheduler reads.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]storage.Account, error)
}

// Scheduler spreads accounts over a polling window of Phases ticks.
//
// Within a corporation of N accounts (ordered by character id) account i
// runs in phase floor(i*P/N), so same-corporation accounts never share a
// phase unless P < N and every account runs exactly once per window.
type Scheduler struct {
	src      AccountLister
	lock     sync.Locker
	downtime func() Downtime
	now      func() time.Time

	mu     sync.Mutex
	phases int
	tick   int
}

func NewScheduler(src AccountLister, lock sync.Locker, phases int, downtime func() Downtime) *Scheduler {
	if phases <= 0 {
		phases = 1
	}
	if downtime == nil {
		downtime = func() Downtime { return Downtime{} }
	}
	return &Scheduler{src: src, lock: lock, downtime: downtime, now: time.Now, phases: phases}
}

// Phases returns the current window size.
func (s *Scheduler) Phases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases
}

// SetPhases changes the window size. The tick counter restarts at 0.
func (s *Scheduler) SetPhases(p int) {
	if p <= 0 {
		p = 1
	}
	s.mu.Lock()
	if p != s.phases {
		s.phases = p
		s.tick = 0
	}
	s.mu.Unlock()
}

// NextTick returns the phase to run and advances the counter. The first
// call returns 0.
func (s *Scheduler) NextTick() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := s.tick % s.phases
	s.tick = (s.tick + 1) % s.phases
	return phase
}

// Due returns the accounts scheduled for phase. It returns nothing during
// the strict maintenance window.
func (s *Scheduler) Due(ctx context.Context, phase int) ([]storage.Account, error) {
	if s.downtime().InWindow(s.now()) {
		return nil, nil
	}
	if s.lock != nil {
		s.lock.Lock()
		defer s.lock.Unlock()
	}
	accounts, err := s.src.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return dueInPhase(accounts, phase, s.Phases()), nil
}

// dueInPhase partitions accounts by corporation and keeps those assigned
// to phase. Groups are visited in ascending corporation id order.
func dueInPhase(accounts []storage.Account, phase, phases int) []storage.Account {
	if phases <= 0 {
		phases = 1
	}
	groups := map[int64][]storage.Account{}
	for _, a := range accounts {
		groups[a.CorporationID] = append(groups[a.CorporationID], a)
	}
	corps := make([]int64, 0, len(groups))
	for c := range groups {
		corps = append(corps, c)
	}
	sort.Slice(corps, func(i, j int) bool { return corps[i] < corps[j] })

	var out []storage.Account
	for _, c := range corps {
		g := groups[c]
		sort.Slice(g, func(i, j int) bool { return g[i].CharacterID < g[j].CharacterID })
		n := len(g)
		for i, a := range g {
			if i*phases/n == phase {
				out = append(out, a)
			}
		}
	}
	return out
}
