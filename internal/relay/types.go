package relay

import (
	"context"
	"strconv"
	"time"

	"timerbot/internal/esi"
	"timerbot/internal/storage"
)

// Upstream is the subset of the ESI client the relay needs.
type Upstream interface {
	Notifications(ctx context.Context, ch esi.Character) ([]esi.Notification, error)
	Structures(ctx context.Context, ch esi.Character) ([]esi.Structure, error)
	ResolveCorporation(ctx context.Context, characterID int64) (int64, error)
	CharacterName(ctx context.Context, characterID int64) (string, error)
	StructureName(ctx context.Context, ch esi.Character, structureID int64) (string, error)
	PlanetName(ctx context.Context, planetID int64) (string, error)
}

// Revoker is implemented by upstreams that can invalidate a refresh token.
type Revoker interface {
	Revoke(ctx context.Context, ch esi.Character) error
}

// Deliverer sends a message to a user. It reports success and never
// returns an error for unreachable recipients.
type Deliverer interface {
	Deliver(ctx context.Context, u storage.User, text string) bool
}

// Warner delivers background warnings with a per-key cool-down.
type Warner interface {
	Warn(ctx context.Context, u storage.User, key, text string) bool
}

// Poll names a poller; it selects the error policy of the classifier.
type Poll string

const (
	PollNotifications Poll = "notifications"
	PollStructures    Poll = "structures"
)

// Observation is one structure as seen upstream.
type Observation struct {
	StructureID   int64
	Name          string
	State         string
	FuelExpires   *time.Time
	StateTimerEnd *time.Time
}

func ObservationFrom(s esi.Structure) Observation {
	return Observation{
		StructureID:   s.StructureID,
		Name:          s.Name,
		State:         s.State,
		FuelExpires:   s.FuelExpires,
		StateTimerEnd: s.StateTimerEnd,
	}
}

// Event is one upstream notification.
type Event struct {
	ID        string
	Type      string
	Timestamp *time.Time
	Text      string
}

func EventFrom(n esi.Notification) Event {
	e := Event{ID: strconv.FormatInt(n.ID, 10), Type: n.Type, Text: n.Text}
	if !n.Timestamp.IsZero() {
		ts := n.Timestamp
		e.Timestamp = &ts
	}
	return e
}

// Outcome counts the deliveries one Apply call attempted.
type Outcome struct {
	Delivered int
	Failed    int
}

func (o *Outcome) add(ok bool) {
	if ok {
		o.Delivered++
	} else {
		o.Failed++
	}
}

func (o *Outcome) merge(other Outcome) {
	o.Delivered += other.Delivered
	o.Failed += other.Failed
}

func character(a storage.Account) esi.Character {
	return esi.Character{ID: a.CharacterID, CorporationID: a.CorporationID, RefreshToken: a.RefreshToken}
}
