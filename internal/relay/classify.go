package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"timerbot/internal/esi"
	"timerbot/internal/eventbus"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// Class is the kind of an upstream failure.
type Class int

const (
	ClassNone Class = iota
	// ClassAuth: the token endpoint rejected the refresh token (400/401).
	ClassAuth
	// ClassAuthOther: the token endpoint failed with another status.
	ClassAuthOther
	ClassMissingRole
	ClassNotAffiliated
	// ClassUpstream: any other error payload from ESI.
	ClassUpstream
	// ClassConnection: network failures, timeouts, rate limits and 5xx.
	ClassConnection
	ClassUnexpected
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassAuth:
		return "auth"
	case ClassAuthOther:
		return "auth_other"
	case ClassMissingRole:
		return "missing_role"
	case ClassNotAffiliated:
		return "not_affiliated"
	case ClassUpstream:
		return "upstream"
	case ClassConnection:
		return "connection"
	case ClassUnexpected:
		return "unexpected"
	}
	return "unknown"
}

// Action is what Handle decided to do about a failure.
type Action int

const (
	ActionIgnore Action = iota
	ActionWarn
	ActionRefreshAffiliation
	ActionDeregister
)

func (a Action) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionWarn:
		return "warn"
	case ActionRefreshAffiliation:
		return "refresh_affiliation"
	case ActionDeregister:
		return "deregister"
	}
	return "unknown"
}

// Classify maps an error to its Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return ClassUnexpected
	}
	if e, ok := esi.AsError(err); ok {
		if e.Status == 0 {
			if isConnectionError(e.Err) {
				return ClassConnection
			}
			return ClassUnexpected
		}
		if e.Op == esi.OpAuth {
			if e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized {
				return ClassAuth
			}
			return ClassAuthOther
		}
		switch e.Text {
		case esi.TextMissingRole:
			return ClassMissingRole
		case esi.TextNotInCorporation, esi.TextForbidden:
			return ClassNotAffiliated
		}
		if e.Status == 420 || e.Status == http.StatusTooManyRequests || e.Status >= 500 {
			return ClassConnection
		}
		return ClassUpstream
	}
	if isConnectionError(err) {
		return ClassConnection
	}
	return ClassUnexpected
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ClassifierStore is the part of the store the classifier mutates.
type ClassifierStore interface {
	UpdateAccountCorporation(ctx context.Context, characterID, corporationID int64) error
	DeleteAccount(ctx context.Context, characterID int64) error
}

// Classifier applies the per-account error policy.
//
// It keeps one failure counter per account. A cycle whose warning or alert
// could not be delivered increments it, a clean cycle resets it; once it
// exceeds the threshold the account is deleted.
type Classifier struct {
	store    ClassifierStore
	upstream Upstream
	warner   Warner
	lock     sync.Locker
	bus      eventbus.Bus
	log      logx.Logger
	downtime func() Downtime
	now      func() time.Time

	mu        sync.Mutex
	threshold int
	failures  map[int64]int
}

func NewClassifier(store ClassifierStore, upstream Upstream, warner Warner, lock sync.Locker, bus eventbus.Bus, log logx.Logger, threshold int, downtime func() Downtime) *Classifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if downtime == nil {
		downtime = DefaultDowntime
	}
	c := &Classifier{
		store:    store,
		upstream: upstream,
		warner:   warner,
		lock:     lock,
		bus:      bus,
		log:      log,
		downtime: downtime,
		now:      time.Now,
		failures: map[int64]int{},
	}
	c.SetThreshold(threshold)
	return c
}

func (c *Classifier) SetThreshold(n int) {
	if n <= 0 {
		n = 100
	}
	c.mu.Lock()
	c.threshold = n
	c.mu.Unlock()
}

// Failures returns the current failure counter of an account.
func (c *Classifier) Failures(characterID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[characterID]
}

// Forget drops the counter of an account.
func (c *Classifier) Forget(characterID int64) {
	c.mu.Lock()
	delete(c.failures, characterID)
	c.mu.Unlock()
}

// Handle applies the policy for err raised while polling a for poll.
func (c *Classifier) Handle(ctx context.Context, poll Poll, a storage.Account, u storage.User, err error) Action {
	class := Classify(err)
	log := c.log.With(
		logx.String("poll", string(poll)),
		logx.Int64("character_id", a.CharacterID),
		logx.Int64("corporation_id", a.CorporationID),
		logx.String("class", class.String()),
	)
	c.bus.Publish(eventbus.AccountError{Poller: string(poll), CharacterID: a.CharacterID, Class: class.String()})

	switch class {
	case ClassNone:
		return ActionIgnore

	case ClassAuth:
		key, text := c.warning(ctx, class, a, err)
		sent := c.warner.Warn(ctx, u, key, text)
		if c.RecordCycle(ctx, a, !sent) {
			return ActionDeregister
		}
		log.Info("refresh token rejected, owner warned", logx.Bool("warning_delivered", sent), logx.Err(err))
		return ActionWarn

	case ClassAuthOther:
		c.reset(a.CharacterID)
		log.Warn("token refresh failed", logx.Err(err))
		return ActionIgnore

	case ClassConnection:
		level := logx.LevelInfo
		if c.downtime().InBuffer(c.now()) {
			level = logx.LevelDebug
		}
		log.Log(level, "upstream unreachable, retrying next tick", logx.Err(err))
		return ActionIgnore

	case ClassUnexpected:
		fields := []logx.Field{logx.Int64("user_id", u.ID), logx.Err(err)}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		log.Error("unexpected failure while polling account", fields...)
		return ActionIgnore
	}

	// Permission and affiliation problems only concern the structure poll;
	// notifications need no corporation roles.
	if poll != PollStructures {
		log.Warn("notification fetch failed", logx.Err(err))
		return ActionIgnore
	}

	if class == ClassNotAffiliated {
		changed, newCorp, rerr := c.refreshAffiliation(ctx, a)
		switch {
		case rerr != nil:
			log.Warn("affiliation lookup failed", logx.Err(rerr))
			return ActionIgnore
		case changed:
			log.Info("corporation updated", logx.Int64("new_corporation_id", newCorp))
			return ActionRefreshAffiliation
		}
	}

	key, text := c.warning(ctx, class, a, err)
	sent := c.warner.Warn(ctx, u, key, text)
	log.Warn("structure fetch failed, owner warned", logx.Bool("warning_delivered", sent), logx.Err(err))
	return ActionWarn
}

// RecordCycle updates the failure counter after a polling cycle of a and
// deletes the account once the counter exceeds the threshold. It reports
// whether the account was deleted; a failed delete keeps the counter so the
// next failed cycle retries.
func (c *Classifier) RecordCycle(ctx context.Context, a storage.Account, failed bool) bool {
	c.mu.Lock()
	if !failed {
		delete(c.failures, a.CharacterID)
		c.mu.Unlock()
		return false
	}
	c.failures[a.CharacterID]++
	n := c.failures[a.CharacterID]
	threshold := c.threshold
	c.mu.Unlock()

	if n <= threshold {
		return false
	}
	return c.deregister(ctx, a, n)
}

func (c *Classifier) reset(characterID int64) {
	c.mu.Lock()
	delete(c.failures, characterID)
	c.mu.Unlock()
}

func (c *Classifier) deregister(ctx context.Context, a storage.Account, failures int) bool {
	if c.lock != nil {
		c.lock.Lock()
		defer c.lock.Unlock()
	}
	if err := c.store.DeleteAccount(ctx, a.CharacterID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.log.Error("deregistration failed", logx.Int64("character_id", a.CharacterID), logx.Int("failures", failures), logx.Err(err))
		return false
	}
	c.Forget(a.CharacterID)
	c.log.Error("account unreachable on both sides (ESI and Telegram), deleted",
		logx.Int64("character_id", a.CharacterID),
		logx.Int64("user_id", a.UserID),
		logx.Int("failures", failures),
	)
	c.bus.Publish(eventbus.Deregistered{CharacterID: a.CharacterID, UserID: a.UserID})
	return true
}

// refreshAffiliation looks up the character's corporation and stores it when
// it changed.
func (c *Classifier) refreshAffiliation(ctx context.Context, a storage.Account) (changed bool, corp int64, err error) {
	corp, err = c.upstream.ResolveCorporation(ctx, a.CharacterID)
	if err != nil {
		return false, 0, err
	}
	if corp == a.CorporationID {
		return false, corp, nil
	}
	if c.lock != nil {
		c.lock.Lock()
		defer c.lock.Unlock()
	}
	if err := c.store.UpdateAccountCorporation(ctx, a.CharacterID, corp); err != nil {
		return false, corp, fmt.Errorf("update corporation: %w", err)
	}
	return true, corp, nil
}

// warning returns the cool-down key and text of the warning for class.
func (c *Classifier) warning(ctx context.Context, class Class, a storage.Account, err error) (string, string) {
	name := ""
	if c.upstream != nil {
		if n, nerr := c.upstream.CharacterName(ctx, a.CharacterID); nerr == nil {
			name = n
		}
	}
	label := name
	if label == "" {
		label = fmt.Sprintf("%d", a.CharacterID)
	}

	switch class {
	case ClassAuth:
		return fmt.Sprintf("esi_permission:%d", a.CharacterID), authWarningText(name, a.CharacterID)
	case ClassMissingRole:
		return fmt.Sprintf("structure_permission:%d", a.CharacterID), roleWarningText(label, a.CharacterID)
	case ClassNotAffiliated:
		return fmt.Sprintf("structure_corp:%d", a.CharacterID), corporationWarningText(label, a.CharacterID)
	default:
		text := err.Error()
		if e, ok := esi.AsError(err); ok && e.Text != "" {
			text = e.Text
		}
		return fmt.Sprintf("structure_other:%d", a.CharacterID), otherWarningText(label, a.CharacterID, text)
	}
}

// Foreground returns the immediate reply for a structure fetch failure
// during /info. Affiliation changes are healed on the way.
func (c *Classifier) Foreground(ctx context.Context, a storage.Account, err error) string {
	class := Classify(err)
	switch class {
	case ClassConnection:
		return fmt.Sprintf("Could not reach ESI for character %d, please try again later.", a.CharacterID)
	case ClassUnexpected, ClassAuthOther:
		c.log.Error("info lookup failed", logx.Int64("character_id", a.CharacterID), logx.Err(err))
		return fmt.Sprintf("Something went wrong while checking character %d.", a.CharacterID)
	case ClassNotAffiliated:
		changed, corp, rerr := c.refreshAffiliation(ctx, a)
		if rerr == nil && changed {
			return corporationChangedText(a.CorporationID, corp)
		}
	}
	_, text := c.warning(ctx, class, a, err)
	return text
}
