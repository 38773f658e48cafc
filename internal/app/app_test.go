package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"timerbot/internal/config"
	kit "timerbot/internal/transport"
)

type fakeAdapter struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []string
}

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func loadConfig(t *testing.T, body string) (*config.ConfigManager, *config.Config) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	m := config.NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	return m, cfg
}

const minimalConfig = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [1]},
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "esi": {"client_id": "cid", "base_url": "http://127.0.0.1:1"}
}`

func TestAppServesCommands(t *testing.T) {
	m, cfg := loadConfig(t, minimalConfig)
	ad := &fakeAdapter{}
	a, err := newApp(m, cfg, ad)
	if err != nil {
		t.Fatalf("newApp() = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/characters", IsPrivate: true}}
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 2, Text: "/stats"}}

	deadline := time.Now().Add(3 * time.Second)
	for {
		got := strings.Join(ad.texts(), "\n")
		if strings.Contains(got, "You have no authorized characters!") && strings.Contains(got, "unauthorized") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replies = %q", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := a.sched.Snapshot()
	names := map[string]bool{}
	for _, s := range snap.Schedules {
		names[s.Name] = true
	}
	for _, n := range []string{jobNotifications, jobStructures, jobReminder, jobCleanup} {
		if !names[n] {
			t.Fatalf("schedule %q not registered: %+v", n, snap.Schedules)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}
}

func TestApplyConfigUpdatesRelay(t *testing.T) {
	m, cfg := loadConfig(t, minimalConfig)
	a, err := newApp(m, cfg, &fakeAdapter{})
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()

	next := *cfg
	next.Relay.DeregisterThreshold = 7
	next.Relay.FuelThresholds = []int{10, 5, 0}
	a.applyConfig(context.Background(), cfg, &next)

	s := a.relay.Settings()
	if s.DeregisterThreshold != 7 || len(s.FuelThresholds) != 3 {
		t.Fatalf("relay settings = %+v", s)
	}

	bad := next
	bad.Relay.FuelThresholds = []int{1, 5}
	a.applyConfig(context.Background(), &next, &bad)
	if got := a.relay.Settings().FuelThresholds; len(got) != 3 || got[0] != 10 {
		t.Fatalf("invalid relay config applied: %v", got)
	}
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		storage *config.StorageConfig
		driver  string
		path    string
		wantErr bool
	}{
		{name: "default", driver: "sqlite", path: "./timerbot.db"},
		{name: "sqlite path", storage: &config.StorageConfig{Driver: "sqlite", Path: "/var/lib/timerbot.db", BusyTimeout: "3s"}, driver: "sqlite", path: "/var/lib/timerbot.db"},
		{name: "postgres", storage: &config.StorageConfig{Driver: "postgres", DSN: "postgres://x"}, driver: "postgres"},
		{name: "postgres without dsn", storage: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "memory", storage: &config.StorageConfig{Driver: "memory"}, driver: "memory"},
		{name: "unknown", storage: &config.StorageConfig{Driver: "bolt"}, wantErr: true},
		{name: "bad busy timeout", storage: &config.StorageConfig{BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Driver != tt.driver || got.Path != tt.path {
				t.Fatalf("got %+v", got)
			}
		})
	}
}

func TestMapNotifierConfig(t *testing.T) {
	rs, err := config.RelayConfig{WarningCooldown: "2h"}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	got, err := mapNotifierConfig(&config.Config{}, rs)
	if err != nil {
		t.Fatal(err)
	}
	if got.RetryMax != 3 || got.WarningCooldown != 2*time.Hour || got.WarningCacheSize != config.DefaultWarningCacheSize {
		t.Fatalf("defaults = %+v", got)
	}

	got, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RatePerSec: 5, SendTimeout: "3s"}}, rs)
	if err != nil {
		t.Fatal(err)
	}
	if got.RatePerSec != 5 || got.SendTimeout != 3*time.Second {
		t.Fatalf("mapped = %+v", got)
	}

	if _, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryMax: -1}}, rs); err == nil {
		t.Fatal("negative retry_max accepted")
	}
}

func TestLogTarget(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.GroupLog = " -100123 "
	cfg.Logging.Telegram.ThreadID = 4
	if id, th := logTarget(cfg); id != -100123 || th != 4 {
		t.Fatalf("logTarget() = %d, %d", id, th)
	}
	cfg.Telegram.GroupLog = "ops-chat"
	if id, _ := logTarget(cfg); id != 0 {
		t.Fatalf("invalid group_log parsed as %d", id)
	}
}

func TestMapRelaySettings(t *testing.T) {
	rs, err := config.RelayConfig{DowntimeStart: "10:30", DowntimeWindow: "15m"}.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	s := mapRelaySettings(rs)
	if s.Downtime.Start != 10*time.Hour+30*time.Minute || s.Downtime.Window != 15*time.Minute || s.Downtime.Buffer != time.Hour {
		t.Fatalf("downtime = %+v", s.Downtime)
	}
	if s.NotificationPhases != config.DefaultPhases || s.DeregisterThreshold != config.DefaultDeregisterThreshold {
		t.Fatalf("settings = %+v", s)
	}
}
