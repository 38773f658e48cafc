package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"timerbot/internal/eventbus"
	"timerbot/internal/notifier"
	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHandlerEndpoints(t *testing.T) {
	m := NewMetrics()
	src := Sources{
		Counts: func(context.Context) (storage.Counts, error) {
			return storage.Counts{Users: 2, Accounts: 3, Corporations: 1, Structures: 4}, nil
		},
		Unreachable: func() []notifier.Unreachable {
			return []notifier.Unreachable{{UserID: 7, ChatID: 70, Attempts: 3, LastError: "blocked"}}
		},
		Metrics: m,
	}
	s := New(Config{Token: "secret"}, src, logx.Nop())
	ts := httptest.NewServer(s.Handler(Config{Token: "secret"}))
	defer ts.Close()

	if code, body := get(t, ts.URL+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, _ := get(t, ts.URL+"/health", ""); code != http.StatusUnauthorized {
		t.Fatalf("/health without token = %d", code)
	}
	if code, _ := get(t, ts.URL+"/health?token=wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("/health with wrong token = %d", code)
	}

	code, body := get(t, ts.URL+"/health", "secret")
	if code != http.StatusOK {
		t.Fatalf("/health = %d", code)
	}
	var h Health
	if err := json.Unmarshal([]byte(body), &h); err != nil {
		t.Fatal(err)
	}
	if h.Counts == nil || h.Counts.Structures != 4 || h.Counts.Corporations != 1 || h.Unreachable != 1 {
		t.Fatalf("health = %+v", h)
	}

	code, body = get(t, ts.URL+"/unreachable?token=secret", "")
	if code != http.StatusOK || !strings.Contains(body, `"attempts": 3`) {
		t.Fatalf("/unreachable = %d %s", code, body)
	}

	m.Observe(eventbus.Event{Payload: eventbus.DeliveryFailed{UserID: 1}})
	m.Observe(eventbus.Event{Payload: eventbus.AccountError{Poller: "structures", Class: "auth"}})
	m.Observe(eventbus.Event{Payload: eventbus.PollFinished{Poller: "structures", Accounts: 5, Seconds: 0.2}})
	code, body = get(t, ts.URL+"/metrics", "secret")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	for _, want := range []string{
		`timerbot_deliveries_total{result="failed"} 1`,
		`timerbot_account_errors_total{class="auth",poller="structures"} 1`,
		`timerbot_poll_accounts{poller="structures"} 5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics missing %q", want)
		}
	}

	if code, _ := get(t, ts.URL+"/debug/pprof/", "secret"); code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", code)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := New(Config{}, Sources{Counts: func(context.Context) (storage.Counts, error) { return storage.Counts{}, errors.New("db gone") }}, logx.Nop())
	ts := httptest.NewServer(s.Handler(Config{}))
	defer ts.Close()

	code, body := get(t, ts.URL+"/health", "")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "db gone") {
		t.Fatalf("/health = %d %s", code, body)
	}
}

func TestMetricsRunConsumesBus(t *testing.T) {
	bus := eventbus.New()
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Deregistered{CharacterID: 1})
		mfs, err := m.Registry().Gather()
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, mf := range mfs {
			if mf.GetName() == "timerbot_deregistrations_total" && mf.GetMetric()[0].GetCounter().GetValue() > 0 {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bus event never reached the collector")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s.Start(ctx)
	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("server never listened")
	}
	if code, _ := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK {
		t.Fatalf("/healthz = %d", code)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatal("server still running after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce() = %v", err)
	}
}
