package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "timerbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store for both SQLite and PostgreSQL.
// Queries are written with '?' placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./timerbot.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also keeps per-connection pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqlStore{db: db, dialect: dialectSQLite, log: log.With(logx.String("comp", "storage.sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &sqlStore{db: db, dialect: dialectPostgres, log: log.With(logx.String("comp", "storage.postgres"))}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind turns '?' placeholders into '$n' for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

func (s *sqlStore) PutUser(ctx context.Context, u User) error {
	_, err := s.exec(ctx,
		`INSERT INTO users(id, chat_id, thread_id) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id, thread_id = excluded.thread_id`,
		u.ID, u.ChatID, u.ThreadID,
	)
	return err
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.queryRow(ctx, `SELECT id, chat_id, thread_id FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.ChatID, &u.ThreadID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *sqlStore) UsersWithoutAccounts(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.chat_id, u.thread_id FROM users u
		 WHERE NOT EXISTS (SELECT 1 FROM accounts a WHERE a.user_id = u.id)
		 ORDER BY u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.ChatID, &u.ThreadID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteUser(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM accounts WHERE user_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- accounts ----

const accountCols = `character_id, corporation_id, user_id, refresh_token`

func (s *sqlStore) queryAccounts(ctx context.Context, q string, args ...any) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.CharacterID, &a.CorporationID, &a.UserID, &a.RefreshToken); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY corporation_id, character_id`)
}

func (s *sqlStore) AccountsByUser(ctx context.Context, userID int64) ([]Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts WHERE user_id = ? ORDER BY character_id`, userID)
}

func (s *sqlStore) GetAccount(ctx context.Context, characterID int64) (Account, error) {
	var a Account
	err := s.queryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE character_id = ?`, characterID).
		Scan(&a.CharacterID, &a.CorporationID, &a.UserID, &a.RefreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) PutAccount(ctx context.Context, a Account) error {
	_, err := s.exec(ctx,
		`INSERT INTO accounts(`+accountCols+`) VALUES(?,?,?,?)
		 ON CONFLICT(character_id) DO UPDATE SET
		   corporation_id = excluded.corporation_id,
		   user_id = excluded.user_id,
		   refresh_token = excluded.refresh_token`,
		a.CharacterID, a.CorporationID, a.UserID, a.RefreshToken,
	)
	return err
}

func (s *sqlStore) updateOne(ctx context.Context, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UpdateAccountCorporation(ctx context.Context, characterID, corporationID int64) error {
	return s.updateOne(ctx, `UPDATE accounts SET corporation_id = ? WHERE character_id = ?`, corporationID, characterID)
}

func (s *sqlStore) UpdateAccountToken(ctx context.Context, characterID int64, refreshToken string) error {
	return s.updateOne(ctx, `UPDATE accounts SET refresh_token = ? WHERE character_id = ?`, refreshToken, characterID)
}

func (s *sqlStore) DeleteAccount(ctx context.Context, characterID int64) error {
	return s.updateOne(ctx, `DELETE FROM accounts WHERE character_id = ?`, characterID)
}

// ---- structures ----

func (s *sqlStore) GetStructure(ctx context.Context, id int64) (Structure, error) {
	var st Structure
	err := s.queryRow(ctx, `SELECT id, last_state, last_fuel_warning FROM structures WHERE id = ?`, id).
		Scan(&st.ID, &st.LastState, &st.LastFuelWarning)
	if errors.Is(err, sql.ErrNoRows) {
		return Structure{}, ErrNotFound
	}
	return st, err
}

func (s *sqlStore) CreateStructure(ctx context.Context, st Structure) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO structures(id, last_state, last_fuel_warning) VALUES(?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		st.ID, st.LastState, st.LastFuelWarning,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) SetStructureState(ctx context.Context, id int64, state string) error {
	return s.updateOne(ctx, `UPDATE structures SET last_state = ? WHERE id = ?`, state, id)
}

func (s *sqlStore) SetStructureFuelWarning(ctx context.Context, id int64, level int) error {
	return s.updateOne(ctx, `UPDATE structures SET last_fuel_warning = ? WHERE id = ?`, level, id)
}

// ---- seen events ----

func (s *sqlStore) GetOrCreateEvent(ctx context.Context, e SeenEvent) (SeenEvent, bool, error) {
	if e.SeenAt.IsZero() {
		e.SeenAt = time.Now()
	}
	var ts any
	if e.Timestamp != nil {
		ts = e.Timestamp.UnixMilli()
	}
	res, err := s.exec(ctx,
		`INSERT INTO seen_events(id, ts, delivered, seen_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, ts, boolInt(e.Delivered), e.SeenAt.UnixMilli(),
	)
	if err != nil {
		return SeenEvent{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return SeenEvent{}, false, err
	}

	var (
		out       SeenEvent
		tsMS      sql.NullInt64
		delivered int
		seenMS    int64
	)
	err = s.queryRow(ctx, `SELECT id, ts, delivered, seen_at FROM seen_events WHERE id = ?`, e.ID).
		Scan(&out.ID, &tsMS, &delivered, &seenMS)
	if err != nil {
		return SeenEvent{}, false, err
	}
	if tsMS.Valid {
		t := time.UnixMilli(tsMS.Int64).UTC()
		out.Timestamp = &t
	}
	out.Delivered = delivered != 0
	out.SeenAt = time.UnixMilli(seenMS).UTC()
	return out, n == 1, nil
}

func (s *sqlStore) MarkEventDelivered(ctx context.Context, id string) error {
	return s.updateOne(ctx, `UPDATE seen_events SET delivered = 1 WHERE id = ?`, id)
}

func (s *sqlStore) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM seen_events WHERE seen_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.queryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM accounts),
		(SELECT COUNT(DISTINCT corporation_id) FROM accounts),
		(SELECT COUNT(*) FROM structures),
		(SELECT COUNT(*) FROM seen_events)`).
		Scan(&c.Users, &c.Accounts, &c.Corporations, &c.Structures, &c.Events)
	return c, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
