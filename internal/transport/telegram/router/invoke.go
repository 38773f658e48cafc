package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "timerbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// slowCommand promotes a successful command's log line from debug to info.
const slowCommand = 750 * time.Millisecond

// invoke runs cmd under its timeout, turning a panic into an error, and logs
// the outcome with the request's logger.
func invoke(ctx context.Context, cmd Command, req *Request) (err error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
		}
		took := logx.Duration("dur", time.Since(start))
		switch {
		case err != nil:
			req.Logger.Warn("command failed", took, logx.Err(err))
		case time.Since(start) >= slowCommand:
			req.Logger.Info("command ok", took)
		default:
			req.Logger.Debug("command ok", took)
		}
	}()
	return cmd.Handle(ctx, req)
}
