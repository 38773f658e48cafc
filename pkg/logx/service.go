package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "timerbot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	// Telegram mirrors warnings and errors into the operator log chat.
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./timerbot.log"

// Service owns the sinks. Apply swaps them atomically; Loggers taken from
// the Service pick up the new output on their next line.
type Service struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	chat     *chatSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service with cfg applied. sender backs the operator chat
// sink and may be nil when that sink is never enabled.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	s := &Service{chat: newChatSink(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply reconfigures level and sinks. The log file is reopened only when
// its path changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if w := s.fileLocked(cfg.File); w != nil {
		outs = append(outs, w)
	}
	s.chat.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		if cfg.Telegram.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
		}
		outs = append(outs, s.chat)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) fileLocked(fc FileConfig) io.Writer {
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = defaultLogFile
	}
	if !fc.Enabled || path != s.filePath {
		if s.file != nil {
			_ = s.file.Close()
		}
		s.file, s.filePath = nil, ""
	}
	if !fc.Enabled {
		return nil
	}
	if s.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
			return nil
		}
		s.file, s.filePath = f, path
	}
	return zerolog.SyncWriter(s.file)
}

// Close stops the chat sink and closes the log file.
func (s *Service) Close() error {
	s.chat.stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file, s.filePath = nil, ""
	}
	return err
}
