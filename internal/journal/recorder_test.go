package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/models"
)

type memStore struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]models.StreamSession
	ended         map[uuid.UUID]time.Duration
	deals         map[uuid.UUID]models.StorageDeal
	channels      map[uuid.UUID]models.PaymentChannel
	vouchers      []models.Voucher
	distributions []models.DistributionResult
	fail          error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]models.StreamSession),
		ended:    make(map[uuid.UUID]time.Duration),
		deals:    make(map[uuid.UUID]models.StorageDeal),
		channels: make(map[uuid.UUID]models.PaymentChannel),
	}
}

func (m *memStore) UpsertSession(s models.StreamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return m.fail
}

func (m *memStore) EndSession(id uuid.UUID, _ int, d time.Duration, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[id] = d
	return m.fail
}

func (m *memStore) UpsertDeal(d models.StorageDeal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[d.ID] = d
	return m.fail
}

func (m *memStore) UpsertChannel(ch models.PaymentChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = ch
	return m.fail
}

func (m *memStore) RecordVoucher(_ uuid.UUID, v models.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouchers = append(m.vouchers, v)
	return m.fail
}

func (m *memStore) RecordDistribution(_ uuid.UUID, res models.DistributionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributions = append(m.distributions, res)
	return m.fail
}

func TestRecordRoutesPayloads(t *testing.T) {
	store := newMemStore()
	r := NewRecorder(store)
	sid := uuid.New()

	require.NoError(t, r.Record(models.Event{Type: models.EventSessionLive, SessionID: sid,
		Payload: models.SessionPayload{Session: models.StreamSession{ID: sid, Status: models.SessionLive}}}))
	require.NoError(t, r.Record(models.Event{Type: models.EventSessionEnded, SessionID: sid,
		Payload: models.SessionEndedPayload{ViewerCount: 3, DurationSeconds: 90}}))
	deal := models.StorageDeal{ID: uuid.New(), SessionID: sid, State: models.DealActive}
	require.NoError(t, r.Record(models.Event{Type: models.EventDealStateChanged, SessionID: sid,
		Payload: models.DealPayload{Deal: deal, From: models.DealPublished}}))
	v := models.Voucher{ChannelID: uuid.New(), Amount: decimal.RequireFromString("0.1"), Sequence: 1}
	require.NoError(t, r.Record(models.Event{Type: models.EventVoucherSubmitted, SessionID: sid,
		Payload: models.VoucherPayload{Voucher: v}}))
	ch := models.PaymentChannel{ID: v.ChannelID, State: models.ChannelClosed}
	require.NoError(t, r.Record(models.Event{Type: models.EventPaymentSettled, SessionID: sid,
		Payload: models.SettlementPayload{Channel: ch}}))
	require.NoError(t, r.Record(models.Event{Type: models.EventRevenueDistributed, SessionID: sid,
		Payload: models.DistributionPayload{Result: models.DistributionResult{ID: uuid.New()}}}))
	require.NoError(t, r.Record(models.Event{Type: models.EventViewerJoined, SessionID: sid,
		Payload: models.ViewerPayload{ViewerID: "v1", ViewerCount: 1}}))

	require.Equal(t, models.SessionLive, store.sessions[sid].Status)
	require.Equal(t, 90*time.Second, store.ended[sid])
	require.Equal(t, models.DealActive, store.deals[deal.ID].State)
	require.Len(t, store.vouchers, 1)
	require.Equal(t, models.ChannelClosed, store.channels[ch.ID].State)
	require.Len(t, store.distributions, 1)
}

func TestRunSkipsFailedWrites(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("db down")
	r := NewRecorder(store)

	in := make(chan models.Event, 2)
	d1, d2 := uuid.New(), uuid.New()
	in <- models.Event{Type: models.EventDealStateChanged, Payload: models.DealPayload{Deal: models.StorageDeal{ID: d1}}}
	in <- models.Event{Type: models.EventDealStateChanged, Payload: models.DealPayload{Deal: models.StorageDeal{ID: d2}}}
	close(in)

	r.Run(context.Background(), in)
	require.Len(t, store.deals, 2)
}
