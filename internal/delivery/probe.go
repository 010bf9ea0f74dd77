// Package delivery checks that the content delivery origin can serve a
// session before it is announced live.
package delivery

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

type Probe interface {
	Ready(ctx context.Context, sessionID uuid.UUID) error
}

// NoopProbe reports every session ready. Used when no origin is configured.
type NoopProbe struct{}

func (NoopProbe) Ready(context.Context, uuid.UUID) error { return nil }

// OriginProbe issues a HEAD request against the delivery origin's health
// endpoint.
type OriginProbe struct {
	Origin string
	Client *http.Client
}

func NewOriginProbe(origin string) *OriginProbe {
	return &OriginProbe{Origin: strings.TrimRight(origin, "/"), Client: http.DefaultClient}
}

func (p *OriginProbe) Ready(ctx context.Context, sessionID uuid.UUID) error {
	url := fmt.Sprintf("%s/health?session=%s", p.Origin, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return xerrors.Errorf("building readiness request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return xerrors.Errorf("delivery origin unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return xerrors.Errorf("delivery origin returned %d", resp.StatusCode)
	}
	return nil
}
