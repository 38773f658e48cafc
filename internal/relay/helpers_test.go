package relay

import (
	"context"
	"sync"
	"time"

	"timerbot/internal/esi"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

type fakeUpstream struct {
	mu            sync.Mutex
	notifications map[int64][]esi.Notification
	structures    map[int64][]esi.Structure
	errs          map[int64]error
	corps         map[int64]int64
	names         map[int64]string
	revoked       []int64
	// onRevoke runs before each upstream revoke, outside f.mu.
	onRevoke func()
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		notifications: map[int64][]esi.Notification{},
		structures:    map[int64][]esi.Structure{},
		errs:          map[int64]error{},
		corps:         map[int64]int64{},
		names:         map[int64]string{},
	}
}

func (f *fakeUpstream) Notifications(_ context.Context, ch esi.Character) ([]esi.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ch.ID]; err != nil {
		return nil, err
	}
	return f.notifications[ch.ID], nil
}

func (f *fakeUpstream) Structures(_ context.Context, ch esi.Character) ([]esi.Structure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[ch.ID]; err != nil {
		return nil, err
	}
	return f.structures[ch.ID], nil
}

func (f *fakeUpstream) ResolveCorporation(_ context.Context, id int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.corps[id], nil
}

func (f *fakeUpstream) CharacterName(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[id], nil
}

func (f *fakeUpstream) StructureName(_ context.Context, _ esi.Character, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[id], nil
}

func (f *fakeUpstream) PlanetName(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[id], nil
}

func (f *fakeUpstream) Revoke(_ context.Context, ch esi.Character) error {
	if f.onRevoke != nil {
		f.onRevoke()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, ch.ID)
	return nil
}

type sent struct {
	UserID int64
	Text   string
}

// fakeDeliverer records deliveries; fail makes every delivery fail.
type fakeDeliverer struct {
	mu   sync.Mutex
	fail bool
	sent []sent
	// attempts counts failed deliveries too.
	attempts int
}

func (d *fakeDeliverer) Deliver(_ context.Context, u storage.User, text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail {
		return false
	}
	d.sent = append(d.sent, sent{UserID: u.ID, Text: text})
	return true
}

func (d *fakeDeliverer) Warn(ctx context.Context, u storage.User, _ string, text string) bool {
	return d.Deliver(ctx, u, text)
}

func (d *fakeDeliverer) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func (d *fakeDeliverer) texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, s := range d.sent {
		out = append(out, s.Text)
	}
	return out
}

func at(t time.Time) *time.Time { return &t }

var testNow = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func logNop() logx.Logger { return logx.Nop() }
