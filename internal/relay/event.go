package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"timerbot/internal/esi"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// EventStore is the part of the store the event machine uses.
type EventStore interface {
	GetOrCreateEvent(ctx context.Context, e storage.SeenEvent) (storage.SeenEvent, bool, error)
	MarkEventDelivered(ctx context.Context, id string) error
}

// Renderer turns an event into message text. An empty text means there is
// nothing to tell the user.
type Renderer interface {
	Render(ctx context.Context, ch esi.Character, e Event) string
}

// IsRelevant reports whether events of this type are forwarded to users.
func IsRelevant(eventType string) bool {
	return strings.HasPrefix(eventType, "Structure") || strings.HasPrefix(eventType, "Orbital")
}

// EventMachine forwards each upstream notification at most once.
type EventMachine struct {
	store   EventStore
	deliver Deliverer
	render  Renderer
	log     logx.Logger
	now     func() time.Time

	mu     sync.RWMutex
	maxAge time.Duration
}

func NewEventMachine(store EventStore, deliver Deliverer, render Renderer, log logx.Logger) *EventMachine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EventMachine{store: store, deliver: deliver, render: render, log: log, now: time.Now}
}

// SetMaxAge sets the age past which relevant events are recorded as
// delivered without a message. Zero disables the cut-off.
func (m *EventMachine) SetMaxAge(d time.Duration) {
	m.mu.Lock()
	m.maxAge = d
	m.mu.Unlock()
}

// stale reports whether e is older than the max age. Events without a
// timestamp are never stale.
func (m *EventMachine) stale(e Event) bool {
	m.mu.RLock()
	maxAge := m.maxAge
	m.mu.RUnlock()
	return maxAge > 0 && e.Timestamp != nil && e.Timestamp.Before(m.now().Add(-maxAge))
}

// Apply records e and delivers it to u unless it was delivered before.
// The event is marked delivered only after a successful delivery.
func (m *EventMachine) Apply(ctx context.Context, a storage.Account, u storage.User, e Event) (Outcome, error) {
	var out Outcome
	stored, _, err := m.store.GetOrCreateEvent(ctx, storage.SeenEvent{ID: e.ID, Timestamp: e.Timestamp, SeenAt: m.now()})
	if err != nil {
		return out, fmt.Errorf("record event %s: %w", e.ID, err)
	}
	if stored.Delivered {
		return out, nil
	}

	if !IsRelevant(e.Type) {
		return out, m.markDelivered(ctx, e.ID)
	}
	// Purged records of events the feed still lists come back as new.
	if m.stale(e) {
		m.log.Debug("stale event skipped", logx.String("event_id", e.ID), logx.String("type", e.Type))
		return out, m.markDelivered(ctx, e.ID)
	}

	text := m.render.Render(ctx, character(a), e)
	if text == "" {
		return out, m.markDelivered(ctx, e.ID)
	}

	ok, err := commitOnSuccess(ctx,
		func(ctx context.Context) bool { return m.deliver.Deliver(ctx, u, text) },
		func(ctx context.Context) error { return m.markDelivered(ctx, e.ID) },
	)
	out.add(ok)
	if ok {
		m.log.Debug("event delivered",
			logx.String("event_id", e.ID),
			logx.String("type", e.Type),
			logx.Int64("character_id", a.CharacterID),
			logx.Int64("user_id", u.ID),
		)
	}
	return out, err
}

func (m *EventMachine) markDelivered(ctx context.Context, id string) error {
	if err := m.store.MarkEventDelivered(ctx, id); err != nil {
		return fmt.Errorf("mark event %s delivered: %w", id, err)
	}
	return nil
}

// EventRenderer renders structure and customs office notifications,
// resolving names through the upstream.
type EventRenderer struct {
	Upstream Upstream
	Log      logx.Logger
}

func (r EventRenderer) Render(ctx context.Context, ch esi.Character, e Event) string {
	body, err := esi.ParseBody(e.Text)
	if err != nil {
		r.Log.Debug("notification body not parseable", logx.String("event_id", e.ID), logx.Err(err))
	}

	switch e.Type {
	case "StructureLostArmor":
		return fmt.Sprintf("Structure %s has lost its armor!", r.structure(ctx, ch, body.StructureID))
	case "StructureLostShields":
		return fmt.Sprintf("Structure %s has lost its shields!", r.structure(ctx, ch, body.StructureID))
	case "StructureUnanchoring":
		return fmt.Sprintf("Structure %s is now unanchoring!", r.structure(ctx, ch, body.StructureID))
	case "StructureUnderAttack":
		return fmt.Sprintf("Structure %s is under attack%s!", r.structure(ctx, ch, body.StructureID), r.attribution(ctx, body.CharID))
	case "StructureWentHighPower":
		return fmt.Sprintf("Structure %s is now high power!", r.structure(ctx, ch, body.StructureID))
	case "StructureWentLowPower":
		return fmt.Sprintf("Structure %s is now low power!", r.structure(ctx, ch, body.StructureID))
	case "StructureOnline":
		return fmt.Sprintf("Structure %s went online!", r.structure(ctx, ch, body.StructureID))
	case "OrbitalAttacked":
		return fmt.Sprintf("%s is under attack%s!", r.planet(ctx, body.PlanetID), r.attribution(ctx, body.AggressorID))
	case "OrbitalReinforced":
		return fmt.Sprintf("%s has been reinforced!", r.planet(ctx, body.PlanetID))
	}
	return ""
}

func (r EventRenderer) structure(ctx context.Context, ch esi.Character, id int64) string {
	if id != 0 && r.Upstream != nil {
		name, err := r.Upstream.StructureName(ctx, ch, id)
		if err == nil && name != "" {
			return name
		}
		r.Log.Debug("structure name lookup failed", logx.Int64("structure_id", id), logx.Err(err))
	}
	return fmt.Sprintf("%d", id)
}

func (r EventRenderer) planet(ctx context.Context, id int64) string {
	if id == 0 || r.Upstream == nil {
		return "Unknown Poco"
	}
	name, err := r.Upstream.PlanetName(ctx, id)
	if err != nil || name == "" {
		r.Log.Debug("planet name lookup failed", logx.Int64("planet_id", id), logx.Err(err))
		return "Unknown Poco"
	}
	return name
}

func (r EventRenderer) attribution(ctx context.Context, characterID int64) string {
	if characterID == 0 {
		return ""
	}
	name := "Unknown"
	if r.Upstream != nil {
		if n, err := r.Upstream.CharacterName(ctx, characterID); err == nil && n != "" {
			name = n
		}
	}
	return fmt.Sprintf(" by %s (https://zkillboard.com/character/%d/)", name, characterID)
}
