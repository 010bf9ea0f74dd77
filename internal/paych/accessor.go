package paych

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

// channelAccessor serializes all access to one channel.
type channelAccessor struct {
	m         *Manager
	id        uuid.UUID
	sessionID uuid.UUID

	lk       sync.Mutex
	ch       models.PaymentChannel
	vouchers []models.Voucher

	kick    chan struct{}
	stop    context.CancelFunc
	stopped chan struct{}

	// settleLk is held while the channel is being drained and settled.
	settleLk sync.Mutex
}

func newChannelAccessor(m *Manager, ch models.PaymentChannel) *channelAccessor {
	return &channelAccessor{
		m:         m,
		id:        ch.ID,
		sessionID: ch.SessionID,
		ch:        ch,
		kick:      make(chan struct{}, 1),
	}
}

func (ca *channelAccessor) snapshot() models.PaymentChannel {
	ca.lk.Lock()
	defer ca.lk.Unlock()
	return ca.ch
}

// meter accrues elapsed minutes at the channel rate. A charge larger than
// the remaining funding is clamped to it: the voucher for the clamped total
// is still issued and the error wraps ErrFunding. A zero Sequence means no
// voucher was issued.
func (ca *channelAccessor) meter(elapsed decimal.Decimal) (models.Voucher, error) {
	if !elapsed.IsPositive() {
		return models.Voucher{}, xerrors.Errorf("elapsed minutes %s must be positive: %w", elapsed, models.ErrFunding)
	}

	ca.lk.Lock()
	defer ca.lk.Unlock()
	if ca.ch.State != models.ChannelOpen {
		return models.Voucher{}, xerrors.Errorf("meter channel %s in state %s: %w", ca.id, ca.ch.State, models.ErrInvalidState)
	}

	remaining := ca.ch.Funding.Sub(ca.ch.Accrued)
	if !remaining.IsPositive() {
		return models.Voucher{}, xerrors.Errorf("channel %s funding %s exhausted: %w", ca.id, ca.ch.Funding, models.ErrFunding)
	}

	charge := elapsed.Mul(ca.ch.RatePerMinute)
	if charge.LessThanOrEqual(remaining) {
		ca.ch.Accrued = ca.ch.Accrued.Add(charge)
		return ca.issueLocked(ca.ch.Accrued), nil
	}

	ca.ch.Accrued = ca.ch.Funding
	v := ca.issueLocked(ca.ch.Accrued)
	return v, xerrors.Errorf("channel %s charge %s exceeds remaining %s, funding exhausted: %w", ca.id, charge, remaining, models.ErrFunding)
}

// issueLocked appends a voucher for amount with the next sequence. Caller
// holds ca.lk.
func (ca *channelAccessor) issueLocked(amount decimal.Decimal) models.Voucher {
	now := ca.m.clock.Now()
	ca.ch.LastSequence++
	ca.ch.UpdatedAt = now
	v := models.Voucher{
		ChannelID: ca.id,
		Amount:    amount,
		Sequence:  ca.ch.LastSequence,
		IssuedAt:  now,
	}
	ca.vouchers = append(ca.vouchers, v)
	return v
}

// latestLocked returns the newest voucher if it carries an amount the ledger
// has not acknowledged. Caller holds ca.lk.
func (ca *channelAccessor) latestLocked() (models.Voucher, bool) {
	if len(ca.vouchers) == 0 {
		return models.Voucher{}, false
	}
	v := ca.vouchers[len(ca.vouchers)-1]
	if !v.Amount.GreaterThan(ca.ch.Submitted) {
		return models.Voucher{}, false
	}
	return v, true
}

// reissue replaces a voucher whose submission outcome is unknown. A newer
// voucher is used when one exists; otherwise the same amount is issued
// under a fresh sequence so the ambiguous one is never sent again.
func (ca *channelAccessor) reissue(prev models.Voucher) models.Voucher {
	ca.lk.Lock()
	defer ca.lk.Unlock()
	latest := ca.vouchers[len(ca.vouchers)-1]
	if latest.Sequence > prev.Sequence {
		return latest
	}
	v := ca.issueLocked(latest.Amount)
	metrics.VouchersIssued.Inc()
	return v
}

// submitPending sends the newest voucher. Older unsent vouchers are
// covered by its cumulative amount. A rejected voucher is retried under its
// own sequence; a timed out one is reissued.
func (ca *channelAccessor) submitPending(ctx context.Context) error {
	ca.lk.Lock()
	v, ok := ca.latestLocked()
	ledgerID := ca.ch.LedgerID
	ca.lk.Unlock()
	if !ok {
		return nil
	}

	m := ca.m
	reissue := false
	err := gateway.Retry(ctx, m.clock, m.cfg.Submit, "submit voucher", func(ctx context.Context) error {
		if reissue {
			v = ca.reissue(v)
			reissue = false
		}
		err := gateway.Call(ctx, m.cfg.CallTimeout, "submit voucher", func(ctx context.Context) error {
			return m.ledger.SubmitVoucher(ctx, ledgerID, models.Submittable(v.Amount), v.Sequence)
		})
		if errors.Is(err, models.ErrGatewayTimeout) {
			reissue = true
		}
		return err
	})
	if err != nil {
		metrics.VoucherSubmissions.WithLabelValues("failed").Inc()
		return xerrors.Errorf("voucher %d on channel %s: %w", v.Sequence, ca.id, err)
	}

	ca.lk.Lock()
	for i := range ca.vouchers {
		if ca.vouchers[i].Sequence == v.Sequence {
			ca.vouchers[i].Submitted = true
			v = ca.vouchers[i]
		}
	}
	if v.Amount.GreaterThan(ca.ch.Submitted) {
		ca.ch.Submitted = v.Amount
	}
	ca.ch.UpdatedAt = m.clock.Now()
	sessionID := ca.ch.SessionID
	ca.lk.Unlock()

	metrics.VoucherSubmissions.WithLabelValues("accepted").Inc()
	m.events.Publish(events.New(models.EventVoucherSubmitted, sessionID, models.VoucherPayload{Voucher: v}))
	return nil
}

// startSubmitterLocked launches the channel's voucher submitter. Caller
// holds ca.lk.
func (ca *channelAccessor) startSubmitterLocked() {
	ctx, cancel := context.WithCancel(ca.m.ctx)
	ca.stop = cancel
	stopped := make(chan struct{})
	ca.stopped = stopped

	ca.m.wg.Add(1)
	go func() {
		defer ca.m.wg.Done()
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ca.kick:
				if err := ca.submitPending(ctx); err != nil && ctx.Err() == nil {
					// the amount stays pending for the next tick
					log.Warnw("voucher submission failed", "channel", ca.id, "err", err)
				}
			}
		}
	}()
}

func (ca *channelAccessor) kickSubmitter() {
	select {
	case ca.kick <- struct{}{}:
	default:
	}
}

// stopSubmitter cancels the submitter and waits for it to exit.
func (ca *channelAccessor) stopSubmitter() {
	ca.lk.Lock()
	stop, stopped := ca.stop, ca.stopped
	ca.lk.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-stopped
}
