package config

import (
	"reflect"
	"sort"
	"strings"

	logx "timerbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage: nil means the sqlite default.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS.Driver != nS.Driver || oS.Path != nS.Path || oS.DSN != nS.DSN || oS.BusyTimeout != nS.BusyTimeout {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", nS.Path != ""),
			logx.Bool("storage.dsn_set", nS.DSN != ""),
		)
	}

	// ESI (never log client secret)
	oE, nE := oldCfg.ESI, newCfg.ESI
	if oE.BaseURL != nE.BaseURL || oE.TokenURL != nE.TokenURL || oE.RevokeURL != nE.RevokeURL || oE.ClientID != nE.ClientID ||
		oE.UserAgent != nE.UserAgent || oE.RatePerSec != nE.RatePerSec || oE.Timeout != nE.Timeout ||
		oE.ClientSecret != nE.ClientSecret {
		changed = append(changed, "esi")
		attrs = append(attrs,
			logx.String("esi.base_url", nE.BaseURL),
			logx.Int("esi.rate_per_sec", nE.RatePerSec),
			logx.Bool("esi.secret_changed", oE.ClientSecret != nE.ClientSecret),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.notification_interval", newCfg.Relay.NotificationInterval),
			logx.String("relay.structure_interval", newCfg.Relay.StructureInterval),
			logx.String("relay.warning_cooldown", newCfg.Relay.WarningCooldown),
			logx.Int("relay.deregister_threshold", newCfg.Relay.DeregisterThreshold),
		)
	}

	var oN, nN NotifierConfig
	if oldCfg.Notifier != nil {
		oN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		nN = *newCfg.Notifier
	}
	if oN != nN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", nN.RatePerSec),
			logx.Int("notifier.retry_max", nN.RetryMax),
		)
	}

	// Ops (never log token)
	nO := newCfg.Ops
	if oldCfg.Ops != nO {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nO.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nO.Addr)),
			logx.Bool("ops.pprof", nO.Pprof),
			logx.Bool("ops.token_set", strings.TrimSpace(nO.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "sqlite"}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	if out.Driver == "" {
		out.Driver = "sqlite"
	}
	return out
}
