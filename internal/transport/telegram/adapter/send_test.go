package adapter

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "timerbot/internal/transport"
)

func TestChunkTextShort(t *testing.T) {
	t.Parallel()
	got := chunkText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestChunkTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("x", 6)
	text := strings.Join([]string{line, line, line, line}, "\n") // 27 runes
	got := chunkText(text, 14)
	for _, c := range got {
		if len([]rune(c)) > 14 {
			t.Fatalf("chunk too long: %q", c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk has stray newline: %q", c)
		}
	}
	if strings.Join(got, "\n") != text {
		t.Fatalf("chunks do not reassemble: %q", got)
	}
}

func TestChunkTextHardCut(t *testing.T) {
	t.Parallel()
	got := chunkText(strings.Repeat("é", 25), 10)
	if len(got) != 3 || len([]rune(got[2])) != 5 {
		t.Fatalf("got %q", got)
	}
}

func TestSendErrorMarksGoneChats(t *testing.T) {
	t.Parallel()
	if err := sendError(tele.ErrBlockedByUser); !errors.Is(err, kit.ErrUnreachable) {
		t.Fatalf("blocked user should be unreachable, got %v", err)
	}
	other := errors.New("timeout")
	if err := sendError(other); errors.Is(err, kit.ErrUnreachable) {
		t.Fatal("transient errors must not be marked unreachable")
	}
}

func TestChunkTextPacksLines(t *testing.T) {
	t.Parallel()
	text := "aaa\nbbb\nccc\ndddddddddddd"
	got := chunkText(text, 8)
	want := []string{"aaa\nbbb", "ccc", "dddddddd", "dddd"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}
