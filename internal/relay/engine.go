package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// Settings are the relay tunables that can change at runtime.
type Settings struct {
	NotificationPhases  int
	StructurePhases     int
	AccountTimeout      time.Duration
	EventRetention      time.Duration
	DeregisterThreshold int
	FuelThresholds      []int
	Downtime            Downtime
}

func DefaultSettings() Settings {
	return Settings{
		NotificationPhases:  12,
		StructurePhases:     12,
		AccountTimeout:      45 * time.Second,
		EventRetention:      48 * time.Hour,
		DeregisterThreshold: 100,
		FuelThresholds:      DefaultFuelThresholds,
		Downtime:            DefaultDowntime(),
	}
}

// Engine wires the schedulers, state machines and classifier together and
// exposes the account operations used by the command layer.
type Engine struct {
	// accounts serializes account enumeration with account mutations.
	accounts sync.Mutex

	store    storage.Store
	upstream Upstream
	deliver  Deliverer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	smu      sync.RWMutex
	settings Settings

	notifications *poller
	structurePoll *poller
	structures    *StructureMachine
	events        *EventMachine
	classifier    *Classifier
}

// New builds an engine. warner may be nil, in which case warnings are plain
// deliveries without a cool-down.
func New(store storage.Store, upstream Upstream, deliver Deliverer, warner Warner, bus eventbus.Bus, log logx.Logger, settings Settings) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if warner == nil {
		warner = plainWarner{deliver}
	}
	e := &Engine{
		store:    store,
		upstream: upstream,
		deliver:  deliver,
		bus:      bus,
		log:      log,
		now:      time.Now,
		settings: normalize(settings),
	}
	downtime := func() Downtime { return e.Settings().Downtime }

	e.structures = NewStructureMachine(store, deliver, e.settings.FuelThresholds, log.With(logx.String("comp", "relay.structures")))
	e.events = NewEventMachine(store, deliver, EventRenderer{Upstream: upstream, Log: log.With(logx.String("comp", "relay.render"))}, log.With(logx.String("comp", "relay.events")))
	e.events.SetMaxAge(e.settings.EventRetention)
	e.classifier = NewClassifier(store, upstream, warner, &e.accounts, bus, log.With(logx.String("comp", "relay.classifier")), e.settings.DeregisterThreshold, downtime)
	e.notifications = &poller{
		poll:  PollNotifications,
		sched: NewScheduler(store, &e.accounts, e.settings.NotificationPhases, downtime),
		run:   e.pollNotifications,
	}
	e.structurePoll = &poller{
		poll:  PollStructures,
		sched: NewScheduler(store, &e.accounts, e.settings.StructurePhases, downtime),
		run:   e.pollStructures,
	}
	return e
}

func normalize(s Settings) Settings {
	d := DefaultSettings()
	if s.NotificationPhases <= 0 {
		s.NotificationPhases = d.NotificationPhases
	}
	if s.StructurePhases <= 0 {
		s.StructurePhases = d.StructurePhases
	}
	if s.AccountTimeout <= 0 {
		s.AccountTimeout = d.AccountTimeout
	}
	if s.EventRetention <= 0 {
		s.EventRetention = d.EventRetention
	}
	if s.DeregisterThreshold <= 0 {
		s.DeregisterThreshold = d.DeregisterThreshold
	}
	if len(s.FuelThresholds) == 0 {
		s.FuelThresholds = d.FuelThresholds
	}
	s.FuelThresholds = append([]int(nil), s.FuelThresholds...)
	return s
}

// Settings returns the current tunables.
func (e *Engine) Settings() Settings {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.settings
}

// Apply hot-swaps the tunables.
func (e *Engine) Apply(s Settings) {
	s = normalize(s)
	e.smu.Lock()
	e.settings = s
	e.smu.Unlock()

	e.structures.SetThresholds(s.FuelThresholds)
	e.events.SetMaxAge(s.EventRetention)
	e.classifier.SetThreshold(s.DeregisterThreshold)
	e.notifications.sched.SetPhases(s.NotificationPhases)
	e.structurePoll.sched.SetPhases(s.StructurePhases)
}

// Classifier exposes the error classifier (counters, tests).
func (e *Engine) Classifier() *Classifier { return e.classifier }

// PollNotifications runs one notification tick.
func (e *Engine) PollNotifications(ctx context.Context) error {
	return e.runTick(ctx, e.notifications)
}

// PollStructures runs one structure tick.
func (e *Engine) PollStructures(ctx context.Context) error {
	return e.runTick(ctx, e.structurePoll)
}

// RemindUnlinked reminds users without accounts that they are registered.
func (e *Engine) RemindUnlinked(ctx context.Context) error {
	e.accounts.Lock()
	users, err := e.store.UsersWithoutAccounts(ctx)
	e.accounts.Unlock()
	if err != nil {
		return fmt.Errorf("list unlinked users: %w", err)
	}
	sent := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.deliver.Deliver(ctx, u, unlinkedReminderText) {
			sent++
		}
	}
	if len(users) > 0 {
		e.log.Info("unlinked users reminded", logx.Int("users", len(users)), logx.Int("delivered", sent))
	}
	return nil
}

// PurgeEvents deletes seen events older than the retention window.
func (e *Engine) PurgeEvents(ctx context.Context) error {
	cutoff := e.now().Add(-e.Settings().EventRetention)
	n, err := e.store.PurgeEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	e.log.Debug("old events purged", logx.Int64("deleted", n), logx.Time("before", cutoff))
	return nil
}

// Register stores (or refreshes) an account for u and marks every
// notification currently visible to it as delivered, so a new account does
// not replay its history. A zero corporation id is resolved upstream.
func (e *Engine) Register(ctx context.Context, u storage.User, a storage.Account) (storage.Account, error) {
	if a.CharacterID == 0 || a.RefreshToken == "" {
		return storage.Account{}, errors.New("register: character id and refresh token are required")
	}
	a.UserID = u.ID
	if a.CorporationID == 0 {
		corp, err := e.upstream.ResolveCorporation(ctx, a.CharacterID)
		if err != nil {
			return storage.Account{}, fmt.Errorf("register: resolve corporation: %w", err)
		}
		a.CorporationID = corp
	}

	e.accounts.Lock()
	err := e.ensureUser(ctx, u)
	if err == nil {
		err = e.store.PutAccount(ctx, a)
	}
	e.accounts.Unlock()
	if err != nil {
		return storage.Account{}, fmt.Errorf("register: %w", err)
	}
	e.classifier.Forget(a.CharacterID)

	marked, err := e.baseline(ctx, a)
	if err != nil {
		// The account is usable; worst case some old events get replayed.
		e.log.Warn("notification baseline failed", logx.Int64("character_id", a.CharacterID), logx.Err(err))
	}
	e.log.Info("account registered",
		logx.Int64("character_id", a.CharacterID),
		logx.Int64("corporation_id", a.CorporationID),
		logx.Int64("user_id", u.ID),
		logx.Int("baseline_events", marked),
	)
	return a, nil
}

func (e *Engine) ensureUser(ctx context.Context, u storage.User) error {
	existing, err := e.store.GetUser(ctx, u.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return e.store.PutUser(ctx, u)
	case err != nil:
		return err
	}
	// Registration only fills in a missing destination; SetDestination moves it.
	if u.ChatID == 0 || existing.ChatID != 0 {
		return nil
	}
	return e.store.PutUser(ctx, u)
}

func (e *Engine) baseline(ctx context.Context, a storage.Account) (int, error) {
	ns, err := e.upstream.Notifications(ctx, character(a))
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, n := range ns {
		ev := EventFrom(n)
		if !IsRelevant(ev.Type) {
			continue
		}
		stored, _, err := e.store.GetOrCreateEvent(ctx, storage.SeenEvent{ID: ev.ID, Timestamp: ev.Timestamp, SeenAt: e.now()})
		if err != nil {
			return marked, err
		}
		if stored.Delivered {
			continue
		}
		if err := e.store.MarkEventDelivered(ctx, ev.ID); err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// Revoke removes one account of the user, or the user with all accounts
// when characterID is 0. Refresh tokens are revoked upstream best-effort
// before the records are deleted; the account lock is not held meanwhile.
func (e *Engine) Revoke(ctx context.Context, userID, characterID int64) ([]storage.Account, error) {
	e.accounts.Lock()
	owned, err := e.store.AccountsByUser(ctx, userID)
	e.accounts.Unlock()
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}

	var removed []storage.Account
	for _, a := range owned {
		if characterID != 0 && a.CharacterID != characterID {
			continue
		}
		removed = append(removed, a)
	}
	if characterID != 0 && len(removed) == 0 {
		return nil, storage.ErrNotFound
	}

	if r, ok := e.upstream.(Revoker); ok {
		for _, a := range removed {
			if err := r.Revoke(ctx, character(a)); err != nil {
				e.log.Debug("token revoke failed", logx.Int64("character_id", a.CharacterID), logx.Err(err))
			}
		}
	}

	e.accounts.Lock()
	defer e.accounts.Unlock()
	for _, a := range removed {
		if characterID != 0 {
			if err := e.store.DeleteAccount(ctx, a.CharacterID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("revoke %d: %w", a.CharacterID, err)
			}
		}
		e.classifier.Forget(a.CharacterID)
	}
	if characterID == 0 {
		if err := e.store.DeleteUser(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("revoke user %d: %w", userID, err)
		}
	}
	e.log.Info("accounts revoked", logx.Int64("user_id", userID), logx.Int("accounts", len(removed)), logx.Bool("user_deleted", characterID == 0))
	return removed, nil
}

// SetDestination points the user's alerts at a chat.
func (e *Engine) SetDestination(ctx context.Context, userID, chatID int64, threadID int) error {
	e.accounts.Lock()
	defer e.accounts.Unlock()
	if err := e.store.PutUser(ctx, storage.User{ID: userID, ChatID: chatID, ThreadID: threadID}); err != nil {
		return fmt.Errorf("set destination: %w", err)
	}
	return nil
}

// Accounts returns the user's accounts.
func (e *Engine) Accounts(ctx context.Context, userID int64) ([]storage.Account, error) {
	return e.store.AccountsByUser(ctx, userID)
}

// CharacterName resolves a character's display name, falling back to its id.
func (e *Engine) CharacterName(ctx context.Context, characterID int64) string {
	if n, err := e.upstream.CharacterName(ctx, characterID); err == nil && n != "" {
		return n
	}
	return fmt.Sprintf("%d", characterID)
}

// Info fetches every structure visible to the user's accounts and renders
// one status block per structure. Failures produce immediate warnings
// instead of cooled-down ones.
func (e *Engine) Info(ctx context.Context, userID int64) ([]string, error) {
	accounts, err := e.store.AccountsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}
	now := e.now()
	var out []string
	for _, a := range accounts {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		actx, cancel := accountContext(ctx, e.Settings().AccountTimeout)
		ss, err := e.upstream.Structures(actx, character(a))
		if err != nil {
			out = append(out, e.classifier.Foreground(actx, a, err))
			cancel()
			continue
		}
		cancel()
		sort.Slice(ss, func(i, j int) bool { return ss[i].Name < ss[j].Name })
		for _, s := range ss {
			out = append(out, StructureInfo(ObservationFrom(s), now))
		}
	}
	return out, nil
}

type plainWarner struct{ d Deliverer }

func (w plainWarner) Warn(ctx context.Context, u storage.User, _ string, text string) bool {
	return w.d.Deliver(ctx, u, text)
}
