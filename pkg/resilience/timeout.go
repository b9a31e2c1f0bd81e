package resilience

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout bounds fn with a deadline derived from ctx. A timeout of zero
// or less disables the bound. When the deadline fires first, the returned
// error wraps context.DeadlineExceeded; a parent cancellation is reported as
// such instead.
//
// fn keeps running in its goroutine after a timeout; it is expected to honor
// the derived context and unwind promptly.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	boundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn(boundCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-boundCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w (limit: %v)", name, context.DeadlineExceeded, timeout)
	}
}
