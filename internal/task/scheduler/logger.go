package scheduler

import (
	"fmt"

	logx "timerbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	// "skip" comes from SkipIfStillRunning; the rest is per-tick chatter.
	if msg == "skip" {
		l.log.Debug("cron skip, previous run still active", kvFields(keysAndValues)...)
		return
	}
	l.log.Trace("cron "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logx.Err(err))
	l.log.Error("cron "+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
