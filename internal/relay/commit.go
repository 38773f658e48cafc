package relay

import "context"

// commitOnSuccess runs commit only after deliver succeeded. A failed
// delivery leaves stored state untouched.
func commitOnSuccess(ctx context.Context, deliver func(context.Context) bool, commit func(context.Context) error) (bool, error) {
	if !deliver(ctx) {
		return false, nil
	}
	if commit == nil {
		return true, nil
	}
	return true, commit(ctx)
}
