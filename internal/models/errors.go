package models

import (
	"errors"
)

// Error taxonomy shared by the session, archive and payment components.
// Callers test with errors.Is; components wrap these with context.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrInitialization = errors.New("initialization failed")
	ErrInvalidSegment = errors.New("invalid segment")
	ErrFunding        = errors.New("funding error")
	ErrInvalidSplit   = errors.New("invalid revenue split")
	ErrGatewayTimeout = errors.New("gateway timeout")
	ErrGatewayError   = errors.New("gateway error")
	ErrReconciliation = errors.New("reconciliation error")
)

// IsRetryable reports whether err came from a gateway call that may succeed
// when attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) || errors.Is(err, ErrGatewayError)
}
