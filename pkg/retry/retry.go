// Package retry provides a fixed-interval re-executor for operations that
// fail transiently, such as publishing over a flaky database connection or
// keeping a notification listener alive.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Unbounded makes Do retry forever (until the context is cancelled).
const Unbounded = -1

// Config controls the retry behavior.
type Config struct {
	// Retries is the number of re-executions after the first attempt.
	// Unbounded (-1) retries until cancellation.
	Retries int

	// Interval is the fixed wait between attempts.
	Interval time.Duration

	// IsFailed optionally flags a returned value as a failure even when the
	// operation returned no error.
	IsFailed func(result any) bool

	// Message, when non-empty, is logged before each wait.
	Message string
}

// Do invokes op until it succeeds, the retry budget is exhausted, or ctx is
// cancelled. Cancellation aborts immediately: it is never swallowed by the
// retry loop and never waits out the interval. After the budget is spent the
// last error (or last flagged result) is returned.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = op(ctx)
		if err == nil {
			if cfg.IsFailed == nil || !cfg.IsFailed(result) {
				return result, nil
			}
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return result, err
		}

		if cfg.Retries >= 0 && attempt >= cfg.Retries {
			return result, err
		}

		if cfg.Message != "" {
			slog.Warn(cfg.Message,
				"attempt", attempt+1,
				"retries", cfg.Retries,
				"interval", cfg.Interval,
				"error", err)
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(cfg.Interval):
		}
	}
}

// DoFunc is Do for operations without a result value.
func DoFunc(ctx context.Context, cfg Config, op func(context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
