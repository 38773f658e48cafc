package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFirstRunDelay caps the random delay before an interval schedule's
// first run. The relay polls all start together; the delay keeps them from
// hitting ESI in the same second after a restart.
const maxFirstRunDelay = 30 * time.Second

// firstRunSchedule fires once at first and then every interval after each
// run, like cron.Every.
type firstRunSchedule struct {
	first time.Time
	every cron.ConstantDelaySchedule
}

func (s firstRunSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

// everySchedule builds the cron schedule of an interval definition started
// at now. RunAtStart moves the first run from now+every+delay to now+delay.
func everySchedule(every time.Duration, opt Options, now time.Time) (cron.Schedule, time.Duration) {
	delay := firstRunDelay(every)
	first := now.Add(delay)
	if !opt.RunAtStart {
		first = first.Add(every)
	}
	return firstRunSchedule{first: first, every: cron.Every(every)}, delay
}

func firstRunDelay(every time.Duration) time.Duration {
	limit := min(every, maxFirstRunDelay)
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}
