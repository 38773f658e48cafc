package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// TransitionKind names a structure change worth a message.
type TransitionKind int

const (
	KindNewlyFound TransitionKind = iota
	KindStateChanged
	KindInitiallyFueled
	KindRefueled
	KindFuelWarning
	KindLastDay
	KindOutOfFuel
)

func (k TransitionKind) String() string {
	switch k {
	case KindNewlyFound:
		return "newly_found"
	case KindStateChanged:
		return "state_changed"
	case KindInitiallyFueled:
		return "initially_fueled"
	case KindRefueled:
		return "refueled"
	case KindFuelWarning:
		return "fuel_warning"
	case KindLastDay:
		return "last_day"
	case KindOutOfFuel:
		return "out_of_fuel"
	}
	return "unknown"
}

// Transition is one change between the stored and the observed structure.
// State is the state to commit for KindStateChanged; Level is the fuel level
// to commit for the fuel kinds.
type Transition struct {
	Kind  TransitionKind
	State string
	Level int
}

// Evaluate compares a stored structure with an observation. A nil stored
// structure means first sight.
func Evaluate(stored *storage.Structure, o Observation, now time.Time, thresholds []int) []Transition {
	level := FuelLevel(o.FuelExpires, now, thresholds)
	if stored == nil {
		return []Transition{{Kind: KindNewlyFound, State: o.State, Level: level}}
	}

	var out []Transition
	if o.State != stored.LastState {
		out = append(out, Transition{Kind: KindStateChanged, State: o.State})
	}

	last := stored.LastFuelWarning
	switch {
	case level == last:
	case level > last:
		kind := KindRefueled
		if last == -1 {
			kind = KindInitiallyFueled
		}
		out = append(out, Transition{Kind: kind, Level: level})
	case level == -1:
		// Unfueled structures have no fuel_expires upstream; while anchoring
		// that is expected.
		if !isAnchoring(o.State) {
			out = append(out, Transition{Kind: KindOutOfFuel, Level: level})
		}
	case level == 0:
		kind := KindLastDay
		if !o.FuelExpires.After(now) {
			kind = KindOutOfFuel
		}
		out = append(out, Transition{Kind: kind, Level: level})
	default:
		out = append(out, Transition{Kind: KindFuelWarning, Level: level})
	}
	return out
}

// StructureStore is the part of the store the structure machine uses.
type StructureStore interface {
	GetStructure(ctx context.Context, id int64) (storage.Structure, error)
	CreateStructure(ctx context.Context, s storage.Structure) (bool, error)
	SetStructureState(ctx context.Context, id int64, state string) error
	SetStructureFuelWarning(ctx context.Context, id int64, level int) error
}

// StructureMachine turns structure observations into deliveries.
type StructureMachine struct {
	store   StructureStore
	deliver Deliverer
	log     logx.Logger
	now     func() time.Time

	mu         sync.RWMutex
	thresholds []int
}

func NewStructureMachine(store StructureStore, deliver Deliverer, thresholds []int, log logx.Logger) *StructureMachine {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &StructureMachine{store: store, deliver: deliver, log: log, now: time.Now}
	m.SetThresholds(thresholds)
	return m
}

// SetThresholds replaces the fuel thresholds (days, descending).
func (m *StructureMachine) SetThresholds(t []int) {
	if len(t) == 0 {
		t = DefaultFuelThresholds
	}
	cp := append([]int(nil), t...)
	m.mu.Lock()
	m.thresholds = cp
	m.mu.Unlock()
}

func (m *StructureMachine) currentThresholds() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// Apply processes one observation for the user owning the polling account.
//
// On first sight the record is created before delivering, so a failed
// "newly found" message is never repeated. Every other transition is
// committed only after its message was delivered.
func (m *StructureMachine) Apply(ctx context.Context, u storage.User, o Observation) (Outcome, error) {
	var out Outcome
	now := m.now()
	thresholds := m.currentThresholds()

	stored, err := m.store.GetStructure(ctx, o.StructureID)
	var prev *storage.Structure
	switch {
	case err == nil:
		prev = &stored
	case errors.Is(err, storage.ErrNotFound):
	default:
		return out, fmt.Errorf("get structure %d: %w", o.StructureID, err)
	}

	for _, t := range Evaluate(prev, o, now, thresholds) {
		text := TransitionText(t, o, now)
		log := m.log.With(
			logx.Int64("structure_id", o.StructureID),
			logx.Int64("user_id", u.ID),
			logx.String("transition", t.Kind.String()),
		)

		if t.Kind == KindNewlyFound {
			created, err := m.store.CreateStructure(ctx, storage.Structure{ID: o.StructureID, LastState: t.State, LastFuelWarning: t.Level})
			if err != nil {
				return out, fmt.Errorf("create structure %d: %w", o.StructureID, err)
			}
			if !created {
				// Another account of the same corporation got here first.
				return out, nil
			}
			out.add(m.deliver.Deliver(ctx, u, text))
			log.Debug("structure baseline stored")
			continue
		}

		ok, err := commitOnSuccess(ctx,
			func(ctx context.Context) bool { return m.deliver.Deliver(ctx, u, text) },
			func(ctx context.Context) error { return m.commit(ctx, o.StructureID, t) },
		)
		out.add(ok)
		if err != nil {
			return out, fmt.Errorf("commit structure %d: %w", o.StructureID, err)
		}
		if ok {
			log.Debug("structure transition delivered")
		}
	}
	return out, nil
}

func (m *StructureMachine) commit(ctx context.Context, id int64, t Transition) error {
	if t.Kind == KindStateChanged {
		return m.store.SetStructureState(ctx, id, t.State)
	}
	return m.store.SetStructureFuelWarning(ctx, id, t.Level)
}
