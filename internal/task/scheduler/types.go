package scheduler

import (
	"context"
	"sync"
	"time"

	logx "timerbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	// Timezone is an IANA name; empty means UTC.
	Timezone string
}

// Job is the unit of work a schedule triggers.
type Job func(ctx context.Context) error

// Options tune a single schedule.
type Options struct {
	// RunAtStart fires the first run shortly after Start instead of one
	// full interval later.
	RunAtStart bool
}

type scheduleDef struct {
	name          string
	spec          string
	every         time.Duration
	timeout       time.Duration
	job           Job
	opt           Options
	entryID       cron.EntryID
	firstRunDelay time.Duration
	state         *runState
}

type runState struct {
	mu           sync.Mutex
	running      bool
	runs         uint64
	failures     uint64
	lastStart    time.Time
	lastDuration time.Duration
	lastErr      string
}

func (st *runState) begin(at time.Time) {
	st.mu.Lock()
	st.running = true
	st.lastStart = at
	st.mu.Unlock()
}

func (st *runState) end(took time.Duration, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.running = false
	st.runs++
	st.lastDuration = took
	st.lastErr = ""
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
	}
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c    *cron.Cron
	defs []*scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
}

type ScheduleInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Timeout      time.Duration `json:"timeout"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Running      bool          `json:"running"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
