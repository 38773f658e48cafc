package app

import (
	"errors"
	"time"

	"timerbot/internal/config"
	"timerbot/internal/relay"
	"timerbot/internal/task/scheduler"
)

// Schedule names, also shown by /stats and /health.
const (
	jobNotifications = "relay.notifications"
	jobStructures    = "relay.structures"
	jobReminder      = "relay.remind_unlinked"
	jobCleanup       = "relay.purge_events"
)

// registerJobs upserts the relay schedules. Poll ticks carry no deadline of
// their own: every account inside a tick already runs under the account timeout.
func registerJobs(s *scheduler.Service, eng *relay.Engine, rs config.RelaySettings) error {
	var errs []error
	add := func(name string, every, timeout time.Duration, opt scheduler.Options, job scheduler.Job) {
		if _, err := s.AddInterval(name, every, timeout, opt, job); err != nil {
			errs = append(errs, err)
		}
	}
	add(jobNotifications, rs.NotificationInterval, 0, scheduler.Options{RunAtStart: true}, eng.PollNotifications)
	add(jobStructures, rs.StructureInterval, 0, scheduler.Options{RunAtStart: true}, eng.PollStructures)
	add(jobReminder, rs.ReminderInterval, 0, scheduler.Options{}, eng.RemindUnlinked)
	add(jobCleanup, rs.CleanupInterval, time.Minute, scheduler.Options{}, eng.PurgeEvents)
	return errors.Join(errs...)
}
