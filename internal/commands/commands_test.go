package commands

import (
	"context"
	"strings"
	"testing"

	"timerbot/internal/storage"
	"timerbot/internal/task/scheduler"
	kit "timerbot/internal/transport"
	"timerbot/internal/transport/telegram/router"
)

type recorder struct{ texts []string }

func (r *recorder) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.texts = append(r.texts, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recorder) last() string {
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

type fakeRelay struct {
	accounts map[int64][]storage.Account
	names    map[int64]string
	dest     storage.User
	revoked  []int64
	info     []string
}

func (f *fakeRelay) Register(_ context.Context, u storage.User, a storage.Account) (storage.Account, error) {
	a.UserID = u.ID
	a.CorporationID = 98000001
	f.accounts[u.ID] = append(f.accounts[u.ID], a)
	return a, nil
}

func (f *fakeRelay) Revoke(_ context.Context, userID, characterID int64) ([]storage.Account, error) {
	var kept, removed []storage.Account
	for _, a := range f.accounts[userID] {
		if characterID == 0 || a.CharacterID == characterID {
			removed = append(removed, a)
		} else {
			kept = append(kept, a)
		}
	}
	if characterID != 0 && len(removed) == 0 {
		return nil, storage.ErrNotFound
	}
	f.accounts[userID] = kept
	f.revoked = append(f.revoked, characterID)
	return removed, nil
}

func (f *fakeRelay) SetDestination(_ context.Context, userID, chatID int64, threadID int) error {
	f.dest = storage.User{ID: userID, ChatID: chatID, ThreadID: threadID}
	return nil
}

func (f *fakeRelay) Accounts(_ context.Context, userID int64) ([]storage.Account, error) {
	return f.accounts[userID], nil
}

func (f *fakeRelay) CharacterName(_ context.Context, id int64) string { return f.names[id] }

func (f *fakeRelay) Info(context.Context, int64) ([]string, error) { return f.info, nil }

func newRelay() *fakeRelay {
	return &fakeRelay{
		accounts: map[int64][]storage.Account{
			1: {{CharacterID: 100, UserID: 1}, {CharacterID: 101, UserID: 1}},
		},
		names: map[int64]string{100: "Alpha Pilot", 101: "Beta"},
	}
}

func find(t *testing.T, h *Handlers, name string) router.Command {
	t.Helper()
	for _, c := range h.Commands() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("command %q not registered", name)
	return router.Command{}
}

func run(t *testing.T, h *Handlers, name string, private bool, args ...string) string {
	t.Helper()
	rec := &recorder{}
	req := &router.Request{
		Chat:      kit.ChatTarget{ChatID: 500, ThreadID: 7},
		FromID:    1,
		IsPrivate: private,
		Command:   name,
		Args:      args,
		Sender:    rec,
	}
	if err := find(t, h, name).Handle(context.Background(), req); err != nil {
		t.Fatalf("/%s: %v", name, err)
	}
	return rec.last()
}

func TestCallbackSetsDestination(t *testing.T) {
	r := newRelay()
	h := &Handlers{Relay: r}
	if got := run(t, h, "callback", false); !strings.Contains(got, "destination") {
		t.Fatalf("reply = %q", got)
	}
	if r.dest != (storage.User{ID: 1, ChatID: 500, ThreadID: 7}) {
		t.Fatalf("destination = %+v", r.dest)
	}
}

func TestCharacters(t *testing.T) {
	h := &Handlers{Relay: newRelay()}
	got := run(t, h, "characters", false)
	if !strings.Contains(got, "- Alpha Pilot (100)") || !strings.Contains(got, "- Beta (101)") {
		t.Fatalf("reply = %q", got)
	}

	empty := &fakeRelay{accounts: map[int64][]storage.Account{}}
	if got := run(t, &Handlers{Relay: empty}, "characters", false); got != "You have no authorized characters!" {
		t.Fatalf("reply = %q", got)
	}
}

func TestRevoke(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		reply   string
		revoked []int64
	}{
		{name: "by id", args: []string{"101"}, reply: "Revoked Beta's API access!", revoked: []int64{101}},
		{name: "by name", args: []string{"alpha", "pilot"}, reply: "Revoked Alpha Pilot's API access!", revoked: []int64{100}},
		{name: "unknown name", args: []string{"Gamma"}, reply: "Could not find character!"},
		{name: "foreign id", args: []string{"999"}, reply: "Could not find character!"},
		{name: "everything", reply: "Revoked all characters API access!", revoked: []int64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRelay()
			got := run(t, &Handlers{Relay: r}, "revoke", false, tt.args...)
			if got != tt.reply {
				t.Fatalf("reply = %q, want %q", got, tt.reply)
			}
			if len(r.revoked) != len(tt.revoked) {
				t.Fatalf("revoked = %v, want %v", r.revoked, tt.revoked)
			}
			for i := range r.revoked {
				if r.revoked[i] != tt.revoked[i] {
					t.Fatalf("revoked = %v, want %v", r.revoked, tt.revoked)
				}
			}
		})
	}
}

func TestRegister(t *testing.T) {
	r := newRelay()
	h := &Handlers{Relay: r}

	if got := run(t, h, "register", false, "102", "token"); !strings.Contains(got, "private chat") {
		t.Fatalf("group reply = %q", got)
	}
	if got := run(t, h, "register", true, "abc", "token"); !strings.Contains(got, "must be a number") {
		t.Fatalf("bad id reply = %q", got)
	}
	r.names[102] = "Gamma"
	if got := run(t, h, "register", true, "102", "token"); got != "Linked Gamma (corporation 98000001)." {
		t.Fatalf("reply = %q", got)
	}
	if n := len(r.accounts[1]); n != 3 {
		t.Fatalf("accounts = %d, want 3", n)
	}
}

func TestInfo(t *testing.T) {
	r := newRelay()
	r.info = []string{"A\nState: Full Power\n", "B\nState: Full Power\n"}
	got := run(t, &Handlers{Relay: r}, "info", false)
	if !strings.HasPrefix(got, "A\n") || !strings.Contains(got, "B\n") {
		t.Fatalf("reply = %q", got)
	}

	r.info = nil
	if got := run(t, &Handlers{Relay: r}, "info", false); got != "No structures found." {
		t.Fatalf("reply = %q", got)
	}
}

type counts storage.Counts

func (c counts) Counts(context.Context) (storage.Counts, error) { return storage.Counts(c), nil }

type jobs scheduler.Snapshot

func (j jobs) Snapshot() scheduler.Snapshot { return scheduler.Snapshot(j) }

func TestStats(t *testing.T) {
	h := &Handlers{
		Relay:     newRelay(),
		Counter:   counts{Users: 3, Accounts: 4, Corporations: 2, Structures: 9},
		Schedules: jobs{Schedules: []scheduler.ScheduleInfo{{Name: "relay.structures", Runs: 5, Failures: 1, LastError: "boom"}}},
	}
	if c := find(t, h, "stats"); c.Access != router.AccessOwnerOnly {
		t.Fatal("stats is not owner only")
	}
	got := run(t, h, "stats", false)
	for _, want := range []string{"Characters: 4", "Structures: 9", "relay.structures: runs=5 failures=1", `last_error="boom"`} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply %q missing %q", got, want)
		}
	}

	for _, c := range (&Handlers{Relay: newRelay()}).Commands() {
		if c.Name == "stats" {
			t.Fatal("stats registered without a counter")
		}
	}
}
