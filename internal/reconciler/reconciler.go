package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("reconciler")

// Settler re-attempts settlement of a channel left settling.
type Settler interface {
	Reconcile(ctx context.Context, channelID uuid.UUID) (models.PaymentChannel, error)
}

type Subscriber interface {
	Subscribe(buffer int) (<-chan models.Event, func())
}

type Config struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration

	// Cooldown suppresses a second reconciliation of the same channel
	// started within this window.
	Cooldown time.Duration
}

// Reconciler watches for channels whose settlement could not be confirmed
// and keeps retrying them in the background until they close or the
// attempt budget runs out.
type Reconciler struct {
	cfg      Config
	settler  Settler
	sub      Subscriber
	clock    clock.Clock
	wg       sync.WaitGroup
	recentMu sync.Mutex
	recent   *lru.Cache[uuid.UUID, time.Time]
}

func New(cfg Config, settler Settler, sub Subscriber, clk clock.Clock) (*Reconciler, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 5
	}
	if cfg.Min <= 0 {
		cfg.Min = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	recent, err := lru.New[uuid.UUID, time.Time](1024)
	if err != nil {
		return nil, err
	}
	return &Reconciler{cfg: cfg, settler: settler, sub: sub, clock: clk, recent: recent}, nil
}

// Run consumes events until ctx is done, then waits for in-flight
// reconciliations to stop.
func (r *Reconciler) Run(ctx context.Context) {
	events, cancel := r.sub.Subscribe(64)
	defer cancel()
	defer r.wg.Wait()

	log.Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != models.EventReconciliationFailed {
				continue
			}
			p, ok := e.Payload.(models.SettlementPayload)
			if !ok {
				continue
			}
			if !r.claim(p.Channel.ID) {
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.processChannel(ctx, p.Channel.ID)
			}()
		}
	}
}

// claim reports whether a reconciliation for id may start now.
func (r *Reconciler) claim(id uuid.UUID) bool {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	now := r.clock.Now()
	if last, ok := r.recent.Get(id); ok && now.Sub(last) < r.cfg.Cooldown {
		return false
	}
	r.recent.Add(id, now)
	return true
}

func (r *Reconciler) processChannel(ctx context.Context, id uuid.UUID) {
	b := &backoff.Backoff{Min: r.cfg.Min, Max: r.cfg.Max, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		wait := b.Duration()
		t := r.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		ch, err := r.settler.Reconcile(ctx, id)
		switch {
		case err == nil:
			log.Infow("channel reconciled", "channel", id, "ref", ch.SettlementRef, "attempt", attempt)
			return
		case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrInvalidState):
			log.Warnw("channel cannot be reconciled", "channel", id, "err", err)
			return
		case attempt >= r.cfg.Attempts:
			log.Errorw("giving up on channel reconciliation", "channel", id, "attempts", attempt, "pending", ch.Pending(), "err", err)
			return
		}
	}
}
