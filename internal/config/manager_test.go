package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "from-file"
  owner_user_ids: [1, 2]
logging:
  level: debug
  console: true
esi:
  client_id: abc
  client_secret: file-secret
relay:
  structure_interval: 5m
  fuel_thresholds: [14, 7, 1, 0]
storage:
  driver: sqlite
  path: ./x.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	m := NewConfigManager(writeFile(t, "timerbot.yaml", sampleYAML))
	m.getenv = func(k string) string {
		if k == EnvESIClientSecret {
			return "env-secret"
		}
		return ""
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "from-file" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.ESI.ClientSecret != "env-secret" {
		t.Fatalf("client secret = %q, want env override", cfg.ESI.ClientSecret)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}

	rs, err := cfg.Relay.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rs.StructureInterval != 5*time.Minute {
		t.Fatalf("StructureInterval = %v", rs.StructureInterval)
	}
	if rs.NotificationInterval != DefaultNotificationInterval {
		t.Fatalf("NotificationInterval = %v", rs.NotificationInterval)
	}
	if !reflect.DeepEqual(rs.FuelThresholds, []int{14, 7, 1, 0}) {
		t.Fatalf("FuelThresholds = %v", rs.FuelThresholds)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("c.yaml", []byte("telegram:\n  tokn: x\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Decode("c.json", []byte(`{"telegram":{}} {"telegram":{}}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	if _, err := Decode("c.yml", []byte("telegram: {}\n---\ntelegram: {}\n")); err == nil {
		t.Fatal("expected error for a second YAML document")
	}
	cfg, err := Decode("c.yml", nil)
	if err != nil || cfg.Telegram.Token != "" {
		t.Fatalf("empty file: cfg=%+v err=%v", cfg, err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: time.Minute, want: time.Minute},
		{raw: " 90s ", def: time.Minute, want: 90 * time.Second},
		{raw: "0s", def: time.Minute, want: time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDuration("relay.x", tt.raw, tt.def)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDuration(%q) err = %v", tt.raw, err)
		}
		if err != nil {
			if !strings.Contains(err.Error(), "relay.x") {
				t.Fatalf("error %q does not name the field", err)
			}
			continue
		}
		if got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestRelayResolveDefaults(t *testing.T) {
	t.Parallel()
	rs, err := RelayConfig{}.Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := RelaySettings{
		NotificationInterval: 51 * time.Second,
		NotificationPhases:   12,
		StructureInterval:    301 * time.Second,
		StructurePhases:      12,
		ReminderInterval:     42 * time.Hour,
		CleanupInterval:      time.Hour,
		EventRetention:       48 * time.Hour,
		AccountTimeout:       45 * time.Second,
		WarningCooldown:      24 * time.Hour,
		WarningCacheSize:     4096,
		DeregisterThreshold:  100,
		FuelThresholds:       []int{30, 15, 7, 3, 2, 1, 0},
		DowntimeStart:        11 * time.Hour,
		DowntimeWindow:       10 * time.Minute,
		DowntimeBuffer:       time.Hour,
	}
	if !reflect.DeepEqual(rs, want) {
		t.Fatalf("defaults mismatch:\n got %+v\nwant %+v", rs, want)
	}
}

func TestRelayResolveInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  RelayConfig
		want string
	}{
		{name: "bad duration", cfg: RelayConfig{AccountTimeout: "soon"}, want: "relay.account_timeout"},
		{name: "negative duration", cfg: RelayConfig{EventRetention: "-1h"}, want: "relay.event_retention"},
		{name: "ascending thresholds", cfg: RelayConfig{FuelThresholds: []int{1, 7}}, want: "descending"},
		{name: "repeated threshold", cfg: RelayConfig{FuelThresholds: []int{7, 3, 3, 0}}, want: "strictly descending"},
		{name: "threshold not ending at zero", cfg: RelayConfig{FuelThresholds: []int{30, 7, 1}}, want: "end with 0"},
		{name: "negative threshold", cfg: RelayConfig{FuelThresholds: []int{3, 0, -1}}, want: "end with 0"},
		{name: "bad clock", cfg: RelayConfig{DowntimeStart: "25:99"}, want: "relay.downtime_start"},
		{name: "buffer shorter than window", cfg: RelayConfig{DowntimeWindow: "2h"}, want: "downtime_buffer"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Resolve()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t"},
			ESI:      ESIConfig{ClientID: "id"},
		}
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}

	noToken := base()
	noToken.Telegram.Token = ""
	if err := Validate(noToken); err == nil {
		t.Fatal("expected missing token error")
	}

	pg := base()
	pg.Storage = &StorageConfig{Driver: "postgres"}
	if err := Validate(pg); err == nil {
		t.Fatal("expected missing dsn error")
	}

	public := base()
	public.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9464"}
	if err := Validate(public); err == nil {
		t.Fatal("expected non-loopback ops without token to be rejected")
	}
	public.Ops.Token = "secret"
	if err := Validate(public); err != nil {
		t.Fatalf("ops with token rejected: %v", err)
	}
}

func TestSubscribeReceivesLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)

	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("slow subscriber should see the newest config")
		}
	default:
		t.Fatal("expected a queued config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestReloadPublishesOnlyAcceptedChanges(t *testing.T) {
	path := writeFile(t, "timerbot.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.getenv = func(string) string { return "" }
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	m.reload(ctx)
	if len(ch) != 0 {
		t.Fatal("unchanged file published")
	}

	rewrite := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	rewrite(strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	m.reload(ctx)
	if got := <-ch; got.Logging.Level != "warn" || m.Get() != got {
		t.Fatalf("published level = %q", got.Logging.Level)
	}

	rewrite(strings.Replace(sampleYAML, "[14, 7, 1, 0]", "[14, 7, 1]", 1))
	m.reload(ctx)
	rewrite("telegram: [")
	m.reload(ctx)
	m.SetValidator(func(context.Context, *Config) error { return errors.New("adapter refused") })
	rewrite(strings.Replace(sampleYAML, "level: debug", "level: error", 1))
	m.reload(ctx)
	if len(ch) != 0 || m.Get().Logging.Level != "warn" {
		t.Fatalf("rejected revision applied: queued=%d level=%q", len(ch), m.Get().Logging.Level)
	}
}

func TestDebouncerCoalescesKicks(t *testing.T) {
	fired := make(chan struct{}, 4)
	d := newDebouncer(20*time.Millisecond, func() { fired <- struct{}{} })
	defer d.stop()
	for range 5 {
		d.kick()
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("debounced func never ran")
	}
	time.Sleep(60 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("ran %d extra times", len(fired))
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Ops: OpsConfig{Token: "x"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Ops: OpsConfig{Token: "y"}, Relay: RelayConfig{WarningCooldown: "1h"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(changed, []string{"ops", "relay", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	same, _ := SummarizeConfigChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}
