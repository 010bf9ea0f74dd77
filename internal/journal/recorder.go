package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("journal")

// Store is the write side of the journal.
type Store interface {
	UpsertSession(s models.StreamSession) error
	EndSession(id uuid.UUID, viewerCount int, duration time.Duration, endedAt time.Time) error
	UpsertDeal(d models.StorageDeal) error
	UpsertChannel(ch models.PaymentChannel) error
	RecordVoucher(sessionID uuid.UUID, v models.Voucher) error
	RecordDistribution(sessionID uuid.UUID, res models.DistributionResult) error
}

// Recorder writes lifecycle events to the journal. Failed writes are
// logged and skipped; the journal is an audit trail, not the source of
// truth.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Run records events until ctx is done or in is closed.
func (r *Recorder) Run(ctx context.Context, in <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if err := r.Record(e); err != nil {
				log.Warnw("journal write failed", "event", e.Type, "session", e.SessionID, "err", err)
			}
		}
	}
}

// Record writes one event. Events without a journal row are ignored.
func (r *Recorder) Record(e models.Event) error {
	switch p := e.Payload.(type) {
	case models.SessionPayload:
		return r.store.UpsertSession(p.Session)
	case models.SessionEndedPayload:
		return r.store.EndSession(e.SessionID, p.ViewerCount, time.Duration(p.DurationSeconds)*time.Second, e.Timestamp)
	case models.DealPayload:
		return r.store.UpsertDeal(p.Deal)
	case models.VoucherPayload:
		return r.store.RecordVoucher(e.SessionID, p.Voucher)
	case models.SettlementPayload:
		return r.store.UpsertChannel(p.Channel)
	case models.DistributionPayload:
		return r.store.RecordDistribution(e.SessionID, p.Result)
	}
	return nil
}
