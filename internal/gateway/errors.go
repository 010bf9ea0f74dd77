package gateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/models"
)

// Call runs fn under a bounded timeout and classifies whatever it returns
// into the gateway error taxonomy.
func Call(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return Classify(op, fn(ctx))
}

// Classify wraps err with ErrGatewayTimeout or ErrGatewayError unless it
// already carries one of the taxonomy errors.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrGatewayTimeout), errors.Is(err, models.ErrGatewayError):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return xerrors.Errorf("%s: %v: %w", op, err, models.ErrGatewayTimeout)
	case errors.Is(err, context.Canceled):
		return xerrors.Errorf("%s: %w", op, err)
	default:
		return xerrors.Errorf("%s: %v: %w", op, err, models.ErrGatewayError)
	}
}
