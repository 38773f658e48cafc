package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"timerbot/internal/storage"
)

func accountsFor(corps map[int64]int) []storage.Account {
	var out []storage.Account
	id := int64(1000)
	for corp, n := range corps {
		for i := 0; i < n; i++ {
			id++
			out = append(out, storage.Account{CharacterID: id, CorporationID: corp, UserID: id})
		}
	}
	return out
}

func TestDueInPhaseCoverage(t *testing.T) {
	accounts := accountsFor(map[int64]int{1: 1, 2: 5, 3: 12, 4: 30})
	for _, phases := range []int{1, 4, 12, 40} {
		seen := map[int64]int{}
		for p := 0; p < phases; p++ {
			for _, a := range dueInPhase(accounts, p, phases) {
				seen[a.CharacterID]++
			}
		}
		if len(seen) != len(accounts) {
			t.Fatalf("phases=%d: covered %d of %d accounts", phases, len(seen), len(accounts))
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("phases=%d: account %d scheduled %d times", phases, id, n)
			}
		}
	}
}

func TestDueInPhaseSpread(t *testing.T) {
	accounts := accountsFor(map[int64]int{7: 5, 8: 12})
	const phases = 12
	for p := 0; p < phases; p++ {
		perCorp := map[int64]int{}
		for _, a := range dueInPhase(accounts, p, phases) {
			perCorp[a.CorporationID]++
		}
		for corp, n := range perCorp {
			if n > 1 {
				t.Fatalf("phase %d: corporation %d has %d accounts", p, corp, n)
			}
		}
	}
}

func TestDueInPhaseOrder(t *testing.T) {
	accounts := []storage.Account{
		{CharacterID: 5, CorporationID: 30},
		{CharacterID: 9, CorporationID: 10},
		{CharacterID: 2, CorporationID: 20},
	}
	got := dueInPhase(accounts, 0, 1)
	want := []int64{9, 2, 5}
	if len(got) != len(want) {
		t.Fatalf("got %d accounts, want %d", len(got), len(want))
	}
	for i, a := range got {
		if a.CharacterID != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

type listFunc func(ctx context.Context) ([]storage.Account, error)

func (f listFunc) ListAccounts(ctx context.Context) ([]storage.Account, error) { return f(ctx) }

func TestSchedulerTicksAndDowntime(t *testing.T) {
	accounts := accountsFor(map[int64]int{1: 3})
	s := NewScheduler(listFunc(func(context.Context) ([]storage.Account, error) { return accounts, nil }), &sync.Mutex{}, 3, DefaultDowntime)

	for want := 0; want < 7; want++ {
		if got := s.NextTick(); got != want%3 {
			t.Fatalf("tick %d = %d, want %d", want, got, want%3)
		}
	}

	s.SetPhases(5)
	if got := s.NextTick(); got != 0 {
		t.Fatalf("tick after SetPhases = %d, want 0", got)
	}

	s.now = func() time.Time { return time.Date(2024, 3, 10, 11, 5, 0, 0, time.UTC) }
	due, err := s.Due(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("due during downtime = %d accounts, want 0", len(due))
	}

	s.now = func() time.Time { return time.Date(2024, 3, 10, 11, 30, 0, 0, time.UTC) }
	due, err = s.Due(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due after window = %d accounts, want 1", len(due))
	}
}

func TestDowntime(t *testing.T) {
	d := DefaultDowntime()
	cases := []struct {
		at             string
		window, buffer bool
	}{
		{"10:59", false, false},
		{"11:00", true, true},
		{"11:09", true, true},
		{"11:10", false, true},
		{"11:59", false, true},
		{"12:00", false, false},
	}
	for _, tc := range cases {
		ts, _ := time.Parse("15:04", tc.at)
		now := time.Date(2024, 3, 10, ts.Hour(), ts.Minute(), 0, 0, time.UTC)
		if got := d.InWindow(now); got != tc.window {
			t.Errorf("%s InWindow = %v, want %v", tc.at, got, tc.window)
		}
		if got := d.InBuffer(now); got != tc.buffer {
			t.Errorf("%s InBuffer = %v, want %v", tc.at, got, tc.buffer)
		}
	}
}
