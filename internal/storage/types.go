package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by single-row getters when the row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a lib/pq connection string
//   - "memory": nothing is persisted
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is a chat user and the destination their alerts go to.
type User struct {
	ID       int64
	ChatID   int64
	ThreadID int
}

// Account is a linked character whose corporation gets polled.
type Account struct {
	CharacterID   int64
	CorporationID int64
	UserID        int64
	RefreshToken  string
}

// Structure holds the last delivered observation of a structure.
//
// LastFuelWarning is the fuel level (see the relay package); -1 means fuel does not apply.
type Structure struct {
	ID              int64
	LastState       string
	LastFuelWarning int
}

// SeenEvent records that a notification id was observed.
// Delivered only ever moves from false to true.
type SeenEvent struct {
	ID        string
	Timestamp *time.Time
	Delivered bool
	SeenAt    time.Time
}

// Counts summarises store contents for the health endpoint.
type Counts struct {
	Users        int `json:"users"`
	Accounts     int `json:"accounts"`
	Corporations int `json:"corporations"`
	Structures   int `json:"structures"`
	Events       int `json:"events"`
}
