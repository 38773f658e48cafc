package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Defaults for the relay section.
const (
	DefaultNotificationInterval = 51 * time.Second
	DefaultStructureInterval    = 301 * time.Second
	DefaultPhases               = 12
	DefaultReminderInterval     = 42 * time.Hour
	DefaultCleanupInterval      = time.Hour
	DefaultEventRetention       = 48 * time.Hour
	DefaultAccountTimeout       = 45 * time.Second
	DefaultWarningCooldown      = 24 * time.Hour
	DefaultWarningCacheSize     = 4096
	DefaultDeregisterThreshold  = 100
	DefaultDowntimeStart        = 11 * time.Hour
	DefaultDowntimeWindow       = 10 * time.Minute
	DefaultDowntimeBuffer       = time.Hour
)

// DefaultFuelThresholds are the fuel warning levels in days, descending.
var DefaultFuelThresholds = []int{30, 15, 7, 3, 2, 1, 0}

// RelaySettings is RelayConfig with defaults applied and durations parsed.
type RelaySettings struct {
	NotificationInterval time.Duration
	NotificationPhases   int
	StructureInterval    time.Duration
	StructurePhases      int
	ReminderInterval     time.Duration
	CleanupInterval      time.Duration
	EventRetention       time.Duration
	AccountTimeout       time.Duration

	WarningCooldown     time.Duration
	WarningCacheSize    int
	DeregisterThreshold int
	FuelThresholds      []int

	// DowntimeStart is the offset from UTC midnight.
	DowntimeStart  time.Duration
	DowntimeWindow time.Duration
	DowntimeBuffer time.Duration
}

// Resolve applies defaults and parses durations.
func (r RelayConfig) Resolve() (RelaySettings, error) {
	var (
		s   RelaySettings
		err error
	)
	durs := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"relay.notification_interval", r.NotificationInterval, DefaultNotificationInterval, &s.NotificationInterval},
		{"relay.structure_interval", r.StructureInterval, DefaultStructureInterval, &s.StructureInterval},
		{"relay.reminder_interval", r.ReminderInterval, DefaultReminderInterval, &s.ReminderInterval},
		{"relay.cleanup_interval", r.CleanupInterval, DefaultCleanupInterval, &s.CleanupInterval},
		{"relay.event_retention", r.EventRetention, DefaultEventRetention, &s.EventRetention},
		{"relay.account_timeout", r.AccountTimeout, DefaultAccountTimeout, &s.AccountTimeout},
		{"relay.warning_cooldown", r.WarningCooldown, DefaultWarningCooldown, &s.WarningCooldown},
		{"relay.downtime_window", r.DowntimeWindow, DefaultDowntimeWindow, &s.DowntimeWindow},
		{"relay.downtime_buffer", r.DowntimeBuffer, DefaultDowntimeBuffer, &s.DowntimeBuffer},
	}
	for _, d := range durs {
		if *d.dst, err = ParseDuration(d.path, d.raw, d.def); err != nil {
			return RelaySettings{}, err
		}
	}

	s.DowntimeStart, err = parseClock("relay.downtime_start", r.DowntimeStart, DefaultDowntimeStart)
	if err != nil {
		return RelaySettings{}, err
	}
	if s.DowntimeBuffer < s.DowntimeWindow {
		return RelaySettings{}, fmt.Errorf("relay.downtime_buffer must be >= relay.downtime_window")
	}

	s.NotificationPhases = positiveOr(r.NotificationPhases, DefaultPhases)
	s.StructurePhases = positiveOr(r.StructurePhases, DefaultPhases)
	s.WarningCacheSize = positiveOr(r.WarningCacheSize, DefaultWarningCacheSize)
	s.DeregisterThreshold = positiveOr(r.DeregisterThreshold, DefaultDeregisterThreshold)

	if len(r.FuelThresholds) == 0 {
		s.FuelThresholds = append([]int(nil), DefaultFuelThresholds...)
	} else {
		s.FuelThresholds = append([]int(nil), r.FuelThresholds...)
		if err := checkFuelThresholds(s.FuelThresholds); err != nil {
			return RelaySettings{}, err
		}
	}
	return s, nil
}

// checkFuelThresholds requires strictly descending days ending at 0, so
// every level is reachable and the final warning always fires.
func checkFuelThresholds(ts []int) error {
	for i := 1; i < len(ts); i++ {
		if ts[i] >= ts[i-1] {
			return fmt.Errorf("relay.fuel_thresholds must be strictly descending, got %v", ts)
		}
	}
	if last := ts[len(ts)-1]; last != 0 {
		return fmt.Errorf("relay.fuel_thresholds must end with 0, got %d", last)
	}
	return nil
}

// parseClock parses "HH:MM" as an offset from midnight.
func parseClock(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid clock %q (want HH:MM)", path, raw)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Validate checks cross-field constraints that the strict decoder cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if _, err := ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ESI.ClientID) == "" {
		return fmt.Errorf("esi.client_id is required")
	}
	if _, err := ParseDuration("esi.timeout", cfg.ESI.Timeout, 0); err != nil {
		return err
	}
	if _, err := cfg.Relay.Resolve(); err != nil {
		return err
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "memory":
		case "postgres":
			if strings.TrimSpace(s.DSN) == "" {
				return fmt.Errorf("storage.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDuration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
			return err
		}
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.send_timeout":    n.SendTimeout,
		} {
			if _, err := ParseDuration(path, raw, 0); err != nil {
				return err
			}
		}
	}
	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr == "" {
			addr = "127.0.0.1:9464"
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("ops.addr: %w", err)
		}
		if !isLoopback(host) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			return fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr)
		}
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
