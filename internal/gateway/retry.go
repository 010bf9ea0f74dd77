package gateway

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/models"
)

// RetryPolicy bounds how often a retryable gateway call is attempted.
type RetryPolicy struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Factor   float64
}

func (p RetryPolicy) backoff() *backoff.Backoff {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	return &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: factor,
		Jitter: true,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned wrapped.
func Retry(ctx context.Context, clk clock.Clock, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.backoff()

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return err
		}

		// b.Attempt() starts from zero
		n := int(b.Attempt()) + 1
		if n >= attempts {
			return xerrors.Errorf("%s: exhausted %d attempts: %w", op, attempts, err)
		}

		wait := b.Duration()
		log.Warnw("gateway call failed, retrying", "op", op, "attempt", n, "of", attempts, "backoff", wait, "err", err)

		t := clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return xerrors.Errorf("%s canceled after %d attempts: %w", op, n, err)
		case <-t.C:
		}
	}
}
