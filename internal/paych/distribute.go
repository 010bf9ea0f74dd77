package paych

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

// ValidateSplits checks that every share is within [0,100] and that the
// shares leave room for the platform fee.
func (m *Manager) ValidateSplits(splits []models.RevenueSplit) error {
	limit := hundred.Sub(m.cfg.PlatformFeePercent)
	sum := decimal.Zero
	for _, s := range splits {
		if s.Recipient == "" {
			return xerrors.Errorf("split without recipient: %w", models.ErrInvalidSplit)
		}
		if s.Percentage.IsNegative() || s.Percentage.GreaterThan(hundred) {
			return xerrors.Errorf("split for %s has percentage %s: %w", s.Recipient, s.Percentage, models.ErrInvalidSplit)
		}
		sum = sum.Add(s.Percentage)
	}
	if sum.GreaterThan(limit) {
		return xerrors.Errorf("splits sum to %s%%, at most %s%% allowed: %w", sum, limit, models.ErrInvalidSplit)
	}
	return nil
}

// DistributeRevenue pays every recipient its share of total. Shares are
// rounded down to ledger precision and whatever is left over, platform fee
// included, is the platform remainder, so transfers plus remainder always
// equal total. A failed transfer is reported on its own line and does not
// stop the others.
func (m *Manager) DistributeRevenue(ctx context.Context, sessionID uuid.UUID, total decimal.Decimal, splits []models.RevenueSplit) (models.DistributionResult, error) {
	if total.IsNegative() {
		return models.DistributionResult{}, xerrors.Errorf("total %s is negative: %w", total, models.ErrInvalidSplit)
	}
	if err := m.ValidateSplits(splits); err != nil {
		return models.DistributionResult{}, err
	}

	res := models.DistributionResult{
		ID:        uuid.New(),
		Total:     total,
		Transfers: make([]models.Transfer, len(splits)),
		CreatedAt: m.clock.Now(),
	}
	shares := decimal.Zero
	for i, s := range splits {
		share := models.Submittable(total.Mul(s.Percentage).Shift(-2))
		shares = shares.Add(share)
		res.Transfers[i] = models.Transfer{Recipient: s.Recipient, Label: s.Label, Amount: share}
	}
	res.PlatformRemainder = total.Sub(shares)

	var eg errgroup.Group
	for i := range res.Transfers {
		t := &res.Transfers[i]
		if !t.Amount.IsPositive() {
			continue
		}
		eg.Go(func() error {
			err := m.call(ctx, "transfer", func(ctx context.Context) error {
				ref, err := m.ledger.Transfer(ctx, t.Recipient, t.Amount)
				t.Reference = ref
				return err
			})
			if err != nil {
				t.Error = err.Error()
				metrics.Transfers.WithLabelValues("failed").Inc()
				log.Errorw("revenue transfer failed", "distribution", res.ID, "recipient", t.Recipient, "amount", t.Amount, "err", err)
				return nil
			}
			metrics.Transfers.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = eg.Wait()

	m.events.Publish(events.New(models.EventRevenueDistributed, sessionID, models.DistributionPayload{Result: res}))
	log.Infow("revenue distributed", "distribution", res.ID, "session", sessionID, "total", total,
		"distributed", res.Distributed(), "remainder", res.PlatformRemainder)
	return res, nil
}
