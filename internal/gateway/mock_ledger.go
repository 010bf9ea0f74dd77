package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/models"
)

// DefaultDealScript is the sequence of states reported by MockLedger for a
// proposal that has no explicit script.
var DefaultDealScript = []models.DealState{models.DealPublished, models.DealActive, models.DealCompleted}

type RecordedProposal struct {
	ID string
	DealProposal
	Epoch models.Epoch
}

type RecordedVoucher struct {
	ChannelID string
	Amount    decimal.Decimal
	Sequence  uint64
}

type RecordedTransfer struct {
	Reference string
	To        string
	Amount    decimal.Decimal
}

type mockChannel struct {
	payer, payee string
	funding      decimal.Decimal
	redeemed     decimal.Decimal
	settled      bool
}

// MockLedger is a deterministic in-memory ledger. Deal states follow
// per-proposal scripts; failures are injected through the Fail* methods.
// It serves the development mode of the server and the test suites.
type MockLedger struct {
	mu sync.Mutex

	epoch     models.Epoch
	proposals []RecordedProposal
	scripts   map[string][]models.DealState
	channels  map[string]*mockChannel
	vouchers  []RecordedVoucher
	transfers []RecordedTransfer
	counter   int

	nextScripts   [][]models.DealState
	defaultScript []models.DealState

	// Error queues are consumed one per call; a nil entry means success.
	proposeErrs  []error
	submitErrs   []error
	settleErrs   []error
	openErr      error
	transferErrs map[string]error
	epochErr     error

	advancePerPoll models.Epoch
}

func NewMockLedger(epoch models.Epoch) *MockLedger {
	return &MockLedger{
		epoch:         epoch,
		scripts:       make(map[string][]models.DealState),
		channels:      make(map[string]*mockChannel),
		transferErrs:  make(map[string]error),
		defaultScript: DefaultDealScript,
	}
}

func popErr(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (m *MockLedger) nextID(prefix string) string {
	m.counter++
	return fmt.Sprintf("%s-%d", prefix, m.counter)
}

func (m *MockLedger) ProposeStorageDeal(ctx context.Context, p DealProposal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.proposeErrs); err != nil {
		return "", Classify("propose deal", err)
	}
	if p.Window.Start <= m.epoch {
		return "", xerrors.Errorf("propose deal: start epoch %d not after current %d: %w", p.Window.Start, m.epoch, models.ErrGatewayError)
	}

	id := m.nextID("deal")
	script := m.defaultScript
	if len(m.nextScripts) > 0 {
		script = m.nextScripts[0]
		m.nextScripts = m.nextScripts[1:]
	}
	m.scripts[id] = append([]models.DealState(nil), script...)
	m.proposals = append(m.proposals, RecordedProposal{ID: id, DealProposal: p, Epoch: m.epoch})
	return id, nil
}

func (m *MockLedger) GetDealState(ctx context.Context, proposalID string) (DealStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	script, ok := m.scripts[proposalID]
	if !ok {
		return DealStatus{}, xerrors.Errorf("deal %s: %w", proposalID, models.ErrGatewayError)
	}
	m.epoch += m.advancePerPoll

	provider := ""
	for _, p := range m.proposals {
		if p.ID == proposalID {
			provider = p.Provider
		}
	}
	if len(script) == 0 {
		return DealStatus{State: models.DealProposed, Provider: provider}, nil
	}
	state := script[0]
	if len(script) > 1 {
		m.scripts[proposalID] = script[1:]
	}
	return DealStatus{State: state, Provider: provider}, nil
}

func (m *MockLedger) OpenPaymentChannel(ctx context.Context, payer, payee string, funding decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return "", Classify("open channel", m.openErr)
	}
	id := m.nextID("paych")
	m.channels[id] = &mockChannel{payer: payer, payee: payee, funding: funding, redeemed: decimal.Zero}
	return id, nil
}

func (m *MockLedger) SubmitVoucher(ctx context.Context, channelID string, cumulative decimal.Decimal, sequence uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.submitErrs); err != nil {
		return Classify("submit voucher", err)
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return xerrors.Errorf("submit voucher: channel %s: %w", channelID, models.ErrGatewayError)
	}
	if ch.settled {
		return xerrors.Errorf("submit voucher: channel %s settled: %w", channelID, models.ErrGatewayError)
	}
	if cumulative.GreaterThan(ch.redeemed) {
		ch.redeemed = cumulative
	}
	m.vouchers = append(m.vouchers, RecordedVoucher{ChannelID: channelID, Amount: cumulative, Sequence: sequence})
	return nil
}

func (m *MockLedger) SettleChannel(ctx context.Context, channelID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := popErr(&m.settleErrs); err != nil {
		return "", Classify("settle channel", err)
	}
	ch, ok := m.channels[channelID]
	if !ok {
		return "", xerrors.Errorf("settle: channel %s: %w", channelID, models.ErrGatewayError)
	}
	ch.settled = true
	return m.nextID("settle"), nil
}

func (m *MockLedger) CurrentEpoch(ctx context.Context) (models.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epochErr != nil {
		return 0, Classify("chain head", m.epochErr)
	}
	return m.epoch, nil
}

func (m *MockLedger) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transferErrs[to]; err != nil {
		return "", Classify("transfer", err)
	}
	ref := m.nextID("xfer")
	m.transfers = append(m.transfers, RecordedTransfer{Reference: ref, To: to, Amount: amount})
	return ref, nil
}

// ScriptNextDeals sets the state sequences reported for the next proposals,
// one script per proposal.
func (m *MockLedger) ScriptNextDeals(scripts ...[]models.DealState) {
	m.mu.Lock()
	m.nextScripts = append(m.nextScripts, scripts...)
	m.mu.Unlock()
}

func (m *MockLedger) SetDefaultScript(script ...models.DealState) {
	m.mu.Lock()
	m.defaultScript = script
	m.mu.Unlock()
}

func (m *MockLedger) FailProposals(errs ...error) {
	m.mu.Lock()
	m.proposeErrs = append(m.proposeErrs, errs...)
	m.mu.Unlock()
}

func (m *MockLedger) FailSubmits(errs ...error) {
	m.mu.Lock()
	m.submitErrs = append(m.submitErrs, errs...)
	m.mu.Unlock()
}

func (m *MockLedger) FailSettles(errs ...error) {
	m.mu.Lock()
	m.settleErrs = append(m.settleErrs, errs...)
	m.mu.Unlock()
}

func (m *MockLedger) FailOpen(err error) {
	m.mu.Lock()
	m.openErr = err
	m.mu.Unlock()
}

func (m *MockLedger) FailTransfersTo(to string, err error) {
	m.mu.Lock()
	m.transferErrs[to] = err
	m.mu.Unlock()
}

func (m *MockLedger) FailEpoch(err error) {
	m.mu.Lock()
	m.epochErr = err
	m.mu.Unlock()
}

// AdvancePerPoll moves the epoch forward by n on every GetDealState call.
func (m *MockLedger) AdvancePerPoll(n models.Epoch) {
	m.mu.Lock()
	m.advancePerPoll = n
	m.mu.Unlock()
}

func (m *MockLedger) SetEpoch(e models.Epoch) {
	m.mu.Lock()
	m.epoch = e
	m.mu.Unlock()
}

func (m *MockLedger) Proposals() []RecordedProposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedProposal(nil), m.proposals...)
}

// Vouchers returns the vouchers accepted for a ledger channel, in order.
func (m *MockLedger) Vouchers(channelID string) []RecordedVoucher {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordedVoucher
	for _, v := range m.vouchers {
		if v.ChannelID == channelID {
			out = append(out, v)
		}
	}
	return out
}

func (m *MockLedger) Transfers() []RecordedTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedTransfer(nil), m.transfers...)
}

func (m *MockLedger) Settled(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	return ok && ch.settled
}
