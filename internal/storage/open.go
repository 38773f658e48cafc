package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "timerbot/pkg/logx"
)

// Store is the persistence API used by the relay engine and commands.
type Store interface {
	// Users
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, error)
	UsersWithoutAccounts(ctx context.Context) ([]User, error)
	// DeleteUser removes the user and every account it owns.
	DeleteUser(ctx context.Context, id int64) error

	// Accounts. ListAccounts is ordered by corporation id, then character id.
	ListAccounts(ctx context.Context) ([]Account, error)
	AccountsByUser(ctx context.Context, userID int64) ([]Account, error)
	GetAccount(ctx context.Context, characterID int64) (Account, error)
	PutAccount(ctx context.Context, a Account) error
	UpdateAccountCorporation(ctx context.Context, characterID, corporationID int64) error
	UpdateAccountToken(ctx context.Context, characterID int64, refreshToken string) error
	DeleteAccount(ctx context.Context, characterID int64) error

	// Structures
	GetStructure(ctx context.Context, id int64) (Structure, error)
	// CreateStructure inserts s unless a row with the same id exists.
	CreateStructure(ctx context.Context, s Structure) (created bool, err error)
	SetStructureState(ctx context.Context, id int64, state string) error
	SetStructureFuelWarning(ctx context.Context, id int64, level int) error

	// Seen events
	// GetOrCreateEvent returns the stored event for e.ID, inserting e first if absent.
	GetOrCreateEvent(ctx context.Context, e SeenEvent) (stored SeenEvent, created bool, err error)
	MarkEventDelivered(ctx context.Context, id string) error
	// PurgeEvents deletes events first seen before cutoff. The upstream
	// timestamp is ignored: the feed keeps listing old events.
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)

	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Open initializes the configured store. An empty driver selects sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
