// Package scheduler triggers the relay's periodic loops.
//
// Every schedule is a robfig/cron entry behind the SkipIfStillRunning and
// Recover wrappers, so a slow poll never overlaps itself and a panic never
// kills the cron goroutine. First runs are spread by a random delay.
// Registering a name twice replaces the first schedule, which is how
// interval changes are hot-applied.
package scheduler
