package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"timerbot/internal/storage"
	logx "timerbot/pkg/logx"
)

// PanicError wraps a panic recovered while processing one account.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// forEachAccount runs fn for every account in order, each under its own
// timeout. Errors and panics go to onErr and never stop the loop; only
// cancellation of ctx does. A panic inside onErr is logged and swallowed.
func forEachAccount(
	ctx context.Context,
	log logx.Logger,
	accounts []storage.Account,
	timeout time.Duration,
	fn func(ctx context.Context, a storage.Account) error,
	onErr func(ctx context.Context, a storage.Account, err error),
) {
	for _, a := range accounts {
		if ctx.Err() != nil {
			return
		}
		err := runIsolated(ctx, a, timeout, fn)
		if err == nil || onErr == nil {
			continue
		}
		hctx, cancel := accountContext(ctx, timeout)
		func() {
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					log.Error("account error handler panicked",
						logx.Int64("character_id", a.CharacterID),
						logx.Err(err),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
				}
			}()
			onErr(hctx, a, err)
		}()
	}
}

func runIsolated(ctx context.Context, a storage.Account, timeout time.Duration, fn func(context.Context, storage.Account) error) (err error) {
	actx, cancel := accountContext(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(actx, a)
}

func accountContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
