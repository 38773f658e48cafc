package notifier

import "time"

// Config controls the delivery gateway.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// WarningCooldown suppresses repeats of the same warning key.
	WarningCooldown  time.Duration
	WarningCacheSize int
}

// Unreachable describes a user whose deliveries are currently failing.
type Unreachable struct {
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Attempts  int       `json:"attempts"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error"`
}
