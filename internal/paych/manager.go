package paych

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/events"
	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("paych")

var hundred = decimal.NewFromInt(100)

type Config struct {
	RatePerMinute decimal.Decimal

	// PlatformFeePercent is reserved from every distribution; recipients
	// may claim at most 100 minus the fee.
	PlatformFeePercent decimal.Decimal

	// Submit governs voucher submission; Retry governs every other call.
	Submit      gateway.RetryPolicy
	Retry       gateway.RetryPolicy
	CallTimeout time.Duration

	// SettleTimeout bounds the wait for settlement before a channel is
	// left settling for reconciliation.
	SettleTimeout time.Duration
}

type viewerKey struct {
	session uuid.UUID
	viewer  string
}

// Manager owns payment channels. Each channel is guarded by its accessor;
// the accessor's submitter is the only task that sends its vouchers.
type Manager struct {
	cfg    Config
	ledger gateway.LedgerGateway
	events events.Publisher
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk       sync.RWMutex
	channels map[uuid.UUID]*channelAccessor
	byViewer map[viewerKey]uuid.UUID
}

func NewManager(cfg Config, ledger gateway.LedgerGateway, pub events.Publisher, clk clock.Clock) (*Manager, error) {
	if cfg.PlatformFeePercent.IsNegative() || cfg.PlatformFeePercent.GreaterThanOrEqual(hundred) {
		return nil, xerrors.Errorf("platform fee %s outside [0,100): %w", cfg.PlatformFeePercent, models.ErrInvalidSplit)
	}
	if !cfg.RatePerMinute.IsPositive() {
		return nil, xerrors.Errorf("rate per minute must be positive, got %s", cfg.RatePerMinute)
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = time.Minute
	}
	if pub == nil {
		pub = events.Discard
	}
	if clk == nil {
		clk = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		ledger:   ledger,
		events:   pub,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[uuid.UUID]*channelAccessor),
		byViewer: make(map[viewerKey]uuid.UUID),
	}, nil
}

// Close stops every voucher submitter. Channels are left as they are.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return gateway.Retry(ctx, m.clock, m.cfg.Retry, op, func(ctx context.Context) error {
		return gateway.Call(ctx, m.cfg.CallTimeout, op, fn)
	})
}

func (m *Manager) accessor(id uuid.UUID) (*channelAccessor, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	ca, ok := m.channels[id]
	if !ok {
		return nil, xerrors.Errorf("channel %s: %w", id, models.ErrNotFound)
	}
	return ca, nil
}

// OpenChannel opens and funds a channel for a viewer of a session. A viewer
// has at most one live channel per session; asking again returns it.
func (m *Manager) OpenChannel(ctx context.Context, sessionID uuid.UUID, viewerID, payerID, payeeID string, funding decimal.Decimal) (models.PaymentChannel, error) {
	if !funding.IsPositive() {
		return models.PaymentChannel{}, xerrors.Errorf("funding %s must be positive: %w", funding, models.ErrFunding)
	}

	key := viewerKey{session: sessionID, viewer: viewerID}
	now := m.clock.Now()

	m.lk.Lock()
	if id, ok := m.byViewer[key]; ok {
		ca := m.channels[id]
		ch := ca.snapshot()
		if ch.State == models.ChannelOpening || ch.State == models.ChannelOpen {
			m.lk.Unlock()
			return ch, nil
		}
	}
	ca := newChannelAccessor(m, models.PaymentChannel{
		ID:            uuid.New(),
		SessionID:     sessionID,
		ViewerID:      viewerID,
		PayerID:       payerID,
		PayeeID:       payeeID,
		Funding:       funding,
		Accrued:       decimal.Zero,
		Submitted:     decimal.Zero,
		RatePerMinute: m.cfg.RatePerMinute,
		State:         models.ChannelOpening,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	m.channels[ca.id] = ca
	m.byViewer[key] = ca.id
	m.lk.Unlock()

	var ledgerID string
	err := m.call(ctx, "open channel", func(ctx context.Context) error {
		id, err := m.ledger.OpenPaymentChannel(ctx, payerID, payeeID, models.Submittable(funding))
		ledgerID = id
		return err
	})
	if err != nil {
		m.lk.Lock()
		delete(m.channels, ca.id)
		if m.byViewer[key] == ca.id {
			delete(m.byViewer, key)
		}
		m.lk.Unlock()
		return models.PaymentChannel{}, xerrors.Errorf("open channel for %s: %v: %w", viewerID, err, models.ErrFunding)
	}

	ca.lk.Lock()
	ca.ch.LedgerID = ledgerID
	ca.ch.State = models.ChannelOpen
	ca.ch.UpdatedAt = m.clock.Now()
	ca.startSubmitterLocked()
	ch := ca.ch
	ca.lk.Unlock()

	metrics.ChannelsOpen.Inc()
	log.Infow("channel open", "channel", ch.ID, "ledger", ledgerID, "session", sessionID, "viewer", viewerID, "funding", funding)
	return ch, nil
}

// MeterWatchTime charges elapsed minutes at the channel rate and issues the
// next voucher for the new cumulative total. Submission happens in the
// background. When the charge would overrun the funding, the remaining
// funds are charged, that voucher is returned and the error wraps
// ErrFunding; a voucher with a zero Sequence means nothing was charged.
func (m *Manager) MeterWatchTime(channelID uuid.UUID, elapsedMinutes decimal.Decimal) (models.Voucher, error) {
	ca, err := m.accessor(channelID)
	if err != nil {
		return models.Voucher{}, err
	}
	v, err := ca.meter(elapsedMinutes)
	if v.Sequence != 0 {
		metrics.VouchersIssued.Inc()
		ca.kickSubmitter()
	}
	return v, err
}

// CloseChannel submits any pending amount, then settles the channel. When
// either step cannot be confirmed the channel stays settling and an
// ErrReconciliation is returned.
func (m *Manager) CloseChannel(ctx context.Context, channelID uuid.UUID) (models.PaymentChannel, error) {
	ca, err := m.accessor(channelID)
	if err != nil {
		return models.PaymentChannel{}, err
	}

	ca.lk.Lock()
	switch ca.ch.State {
	case models.ChannelClosed:
		ch := ca.ch
		ca.lk.Unlock()
		return ch, nil
	case models.ChannelOpening:
		ca.lk.Unlock()
		return models.PaymentChannel{}, xerrors.Errorf("close channel %s while opening: %w", channelID, models.ErrInvalidState)
	case models.ChannelOpen:
		ca.ch.State = models.ChannelSettling
		ca.ch.UpdatedAt = m.clock.Now()
		metrics.ChannelsOpen.Dec()
	}
	ca.lk.Unlock()

	return m.finish(ctx, ca)
}

// Reconcile retries settlement of a channel left settling.
func (m *Manager) Reconcile(ctx context.Context, channelID uuid.UUID) (models.PaymentChannel, error) {
	ca, err := m.accessor(channelID)
	if err != nil {
		return models.PaymentChannel{}, err
	}
	ch := ca.snapshot()
	switch ch.State {
	case models.ChannelClosed:
		return ch, nil
	case models.ChannelSettling:
		return m.finish(ctx, ca)
	default:
		return ch, xerrors.Errorf("reconcile channel %s in state %s: %w", channelID, ch.State, models.ErrInvalidState)
	}
}

// finish drains vouchers and settles a channel already marked settling.
func (m *Manager) finish(ctx context.Context, ca *channelAccessor) (models.PaymentChannel, error) {
	ca.settleLk.Lock()
	defer ca.settleLk.Unlock()
	if ch := ca.snapshot(); ch.State == models.ChannelClosed {
		return ch, nil
	}
	ca.stopSubmitter()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SettleTimeout)
	defer cancel()

	if err := ca.submitPending(ctx); err != nil {
		return m.reconciliationFailed(ca, xerrors.Errorf("final voucher: %w", err))
	}

	ledgerID := ca.snapshot().LedgerID
	var ref string
	err := m.call(ctx, "settle channel", func(ctx context.Context) error {
		r, err := m.ledger.SettleChannel(ctx, ledgerID)
		ref = r
		return err
	})
	if err != nil {
		return m.reconciliationFailed(ca, err)
	}

	ca.lk.Lock()
	ca.ch.State = models.ChannelClosed
	ca.ch.SettlementRef = ref
	ca.ch.UpdatedAt = m.clock.Now()
	ch := ca.ch
	ca.lk.Unlock()

	metrics.Settlements.WithLabelValues("settled").Inc()
	m.events.Publish(events.New(models.EventPaymentSettled, ch.SessionID, models.SettlementPayload{Channel: ch}))
	log.Infow("channel settled", "channel", ch.ID, "ref", ref, "amount", ch.Submitted)
	return ch, nil
}

func (m *Manager) reconciliationFailed(ca *channelAccessor, cause error) (models.PaymentChannel, error) {
	ch := ca.snapshot()
	metrics.Settlements.WithLabelValues("unconfirmed").Inc()
	m.events.Publish(events.New(models.EventReconciliationFailed, ch.SessionID, models.SettlementPayload{Channel: ch, Error: cause.Error()}))
	log.Errorw("channel left settling", "channel", ch.ID, "pending", ch.Pending(), "err", cause)
	return ch, xerrors.Errorf("channel %s: %v: %w", ch.ID, cause, models.ErrReconciliation)
}

func (m *Manager) Channel(id uuid.UUID) (models.PaymentChannel, error) {
	ca, err := m.accessor(id)
	if err != nil {
		return models.PaymentChannel{}, err
	}
	return ca.snapshot(), nil
}

// ChannelFor returns the viewer's most recent channel for a session.
func (m *Manager) ChannelFor(sessionID uuid.UUID, viewerID string) (models.PaymentChannel, error) {
	m.lk.RLock()
	id, ok := m.byViewer[viewerKey{session: sessionID, viewer: viewerID}]
	m.lk.RUnlock()
	if !ok {
		return models.PaymentChannel{}, xerrors.Errorf("channel for %s in session %s: %w", viewerID, sessionID, models.ErrNotFound)
	}
	return m.Channel(id)
}

func (m *Manager) ChannelsForSession(sessionID uuid.UUID) []models.PaymentChannel {
	m.lk.RLock()
	var cas []*channelAccessor
	for _, ca := range m.channels {
		if ca.sessionID == sessionID {
			cas = append(cas, ca)
		}
	}
	m.lk.RUnlock()

	out := make([]models.PaymentChannel, 0, len(cas))
	for _, ca := range cas {
		out = append(out, ca.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Vouchers lists the vouchers issued on a channel in sequence order.
func (m *Manager) Vouchers(id uuid.UUID) ([]models.Voucher, error) {
	ca, err := m.accessor(id)
	if err != nil {
		return nil, err
	}
	ca.lk.Lock()
	defer ca.lk.Unlock()
	return append([]models.Voucher(nil), ca.vouchers...), nil
}
