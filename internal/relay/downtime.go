package relay

import "time"

// Downtime describes the daily upstream maintenance window (UTC).
//
// Inside Window pollers skip their tick entirely. Inside Buffer (which starts
// at the same time and is at least as long) connection failures are expected
// and only logged at debug level.
type Downtime struct {
	Start  time.Duration // offset from UTC midnight
	Window time.Duration
	Buffer time.Duration
}

func DefaultDowntime() Downtime {
	return Downtime{Start: 11 * time.Hour, Window: 10 * time.Minute, Buffer: time.Hour}
}

// InWindow reports whether t falls into the strict maintenance window.
func (d Downtime) InWindow(t time.Time) bool { return d.within(t, d.Window) }

// InBuffer reports whether t falls into the extended buffer.
func (d Downtime) InBuffer(t time.Time) bool { return d.within(t, d.Buffer) }

func (d Downtime) within(t time.Time, length time.Duration) bool {
	if length <= 0 {
		return false
	}
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	start := midnight.Add(d.Start)
	// A window that wraps past midnight started the previous day.
	if t.Before(start) {
		start = start.Add(-24 * time.Hour)
	}
	return t.Sub(start) < length
}
