package ports

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCallTimeout bounds any single external port call. A timed-out call
// is treated exactly like a failed call: the degrade path runs and the
// owning timer never hangs.
const DefaultCallTimeout = 15 * time.Second

// Advisory runs an external call whose failure is logged and swallowed:
// identity registration, on-chain trade recording, finalize confirmations.
// The caller proceeds regardless of the result.
func Advisory(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		logger.Warn("advisory call failed", "call", name, "error", err)
	}
}

// WithFallback runs primary with a bounded timeout and, if it fails, runs
// fallback. The returned bool reports whether the result came from the
// degraded path. Used for swap execution (simulated fill) and decision
// requests (implicit hold).
func WithFallback[T any](
	ctx context.Context,
	logger *slog.Logger,
	name string,
	timeout time.Duration,
	primary func(context.Context) (T, error),
	fallback func(context.Context) (T, error),
) (T, bool, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	v, err := primary(callCtx)
	cancel()
	if err == nil {
		return v, false, nil
	}

	logger.Warn("primary call failed, using fallback", "call", name, "error", err)

	fbCtx, fbCancel := context.WithTimeout(ctx, timeout)
	defer fbCancel()
	v, fbErr := fallback(fbCtx)
	return v, true, fbErr
}
