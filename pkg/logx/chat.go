package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "timerbot/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
)

// chatSink forwards log lines at or above a level to the operator chat.
// Writes never block: lines over the rate limit or a full queue are dropped.
type chatSink struct {
	sender kit.Sender
	queue  chan chatLine

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

type chatLine struct {
	to   kit.ChatTarget
	text string
}

func newChatSink(sender kit.Sender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize), minLevel: LevelWarn}
}

func (c *chatSink) configure(tc TelegramConfig) {
	rps := max(1, tc.RatePerSec)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.to = kit.ChatTarget{ChatID: tc.ChatID, ThreadID: tc.ThreadID}
	c.minLevel = ParseLevel(tc.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if tc.Enabled && c.cancel == nil && c.sender != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel, c.done = cancel, make(chan struct{})
		go c.run(ctx, c.done)
	}
}

func (c *chatSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendText(sctx, l.to, l.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, minLevel, lim, running := c.to, c.minLevel, c.limiter, c.cancel != nil
	c.mu.Unlock()

	if !running || to.ChatID == 0 || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{to: to, text: chatText(p)}:
	default:
	}
	return len(p), nil
}

// chatText renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field in key order.
func chatText(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == stackKey {
			fmt.Fprintf(&b, "\n- stack=\n%s", clip(fmt.Sprint(m[k]), 900))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), 600))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
