package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/esi"
	"timerbot/internal/notifier"
	"timerbot/internal/ops"
	"timerbot/internal/relay"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// mapLoggingConfig maps the logging section into logx.Config.
func mapLoggingConfig(cfg *config.Config) logx.Config {
	chatID, threadID := logTarget(cfg)
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   threadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. An empty or invalid value clears the target.
func logTarget(cfg *config.Config) (chatID int64, threadID int) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, 0
	}
	return id, cfg.Logging.Telegram.ThreadID
}

// mapStorageConfig maps the storage section. An omitted section selects
// sqlite at ./timerbot.db.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	out := storage.Config{Driver: "sqlite", Path: "./timerbot.db"}
	if cfg == nil || cfg.Storage == nil {
		return out, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if p := strings.TrimSpace(sc.Path); p != "" {
			out.Path = p
		}
		busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
		return out, nil
	case "postgres", "postgresql":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: dsn}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapESIConfig(cfg *config.Config) (esi.Config, error) {
	timeout, err := config.ParseDuration("esi.timeout", cfg.ESI.Timeout, 30*time.Second)
	if err != nil {
		return esi.Config{}, err
	}
	return esi.Config{
		BaseURL:      strings.TrimSpace(cfg.ESI.BaseURL),
		TokenURL:     strings.TrimSpace(cfg.ESI.TokenURL),
		RevokeURL:    strings.TrimSpace(cfg.ESI.RevokeURL),
		ClientID:     strings.TrimSpace(cfg.ESI.ClientID),
		ClientSecret: cfg.ESI.ClientSecret,
		UserAgent:    strings.TrimSpace(cfg.ESI.UserAgent),
		RatePerSec:   cfg.ESI.RatePerSec,
		Timeout:      timeout,
	}, nil
}

// mapNotifierConfig maps the notifier section plus the warning policy of
// the relay section. An omitted notifier section selects the defaults.
func mapNotifierConfig(cfg *config.Config, rs config.RelaySettings) (notifier.Config, error) {
	out := notifier.Config{
		RatePerSec:       10,
		RetryMax:         3,
		RetryBase:        500 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		SendTimeout:      10 * time.Second,
		WarningCooldown:  rs.WarningCooldown,
		WarningCacheSize: rs.WarningCacheSize,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	if n.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}

	var err error
	if out.RetryBase, err = config.ParseDuration("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDuration("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDuration("notifier.send_timeout", n.SendTimeout, out.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

// mapOpsConfig validates and converts the ops section. It never starts the server.
func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:9464"
	}

	var err error
	if out.ReadTimeout, err = config.ParseDuration("ops.read_timeout", oc.ReadTimeout, 5*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDuration("ops.write_timeout", oc.WriteTimeout, 35*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDuration("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// mapRelaySettings converts resolved relay settings into engine settings.
func mapRelaySettings(rs config.RelaySettings) relay.Settings {
	return relay.Settings{
		NotificationPhases:  rs.NotificationPhases,
		StructurePhases:     rs.StructurePhases,
		AccountTimeout:      rs.AccountTimeout,
		EventRetention:      rs.EventRetention,
		DeregisterThreshold: rs.DeregisterThreshold,
		FuelThresholds:      rs.FuelThresholds,
		Downtime: relay.Downtime{
			Start:  rs.DowntimeStart,
			Window: rs.DowntimeWindow,
			Buffer: rs.DowntimeBuffer,
		},
	}
}
