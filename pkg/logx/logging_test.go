package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kit "timerbot/internal/transport"
)

func TestLoggerWritesFieldsInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(String("comp", "relay"))

	log.Warn("delivery failed", Int64("character_id", 42), Err(errors.New("boom")), String("comp", "override"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "delivery failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "override" {
		t.Fatalf("later field should win, comp = %v", m["comp"])
	}
	if m["character_id"] != float64(42) {
		t.Fatalf("character_id = %v", m["character_id"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "WARN")
	log.Debug("hidden")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	log.Log(LevelError, "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop() is a configured logger")
	}
}

func TestChatText(t *testing.T) {
	line := `{"level":"error","message":"account deregistered","user_id":3,"character_id":7,"time":"x"}`
	got := chatText([]byte(line))
	want := "[ERROR] account deregistered\n- character_id=7\n- user_id=3"
	if got != want {
		t.Fatalf("chatText() = %q, want %q", got, want)
	}
	if got := chatText([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", LevelDebug},
		{" warning ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"loud", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, LevelInfo); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

type chanSender chan string

func (c chanSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	c <- text
	return kit.MessageRef{}, nil
}

func TestServiceMirrorsWarningsToChat(t *testing.T) {
	sent := make(chanSender, 4)
	svc, log := New(Config{
		Level:    "debug",
		File:     FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "timerbot.log")},
		Telegram: TelegramConfig{Enabled: true, ChatID: -100, RatePerSec: 10},
	}, sent)
	defer svc.Close()

	log.Info("routine")
	log.Warn("token rejected", Int64("character_id", 9))

	select {
	case text := <-sent:
		if !strings.HasPrefix(text, "[WARN] token rejected") {
			t.Fatalf("chat text = %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("warning not mirrored to chat")
	}
	select {
	case text := <-sent:
		t.Fatalf("unexpected chat line %q", text)
	default:
	}
}
