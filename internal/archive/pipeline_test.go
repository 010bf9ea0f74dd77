package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/gateway"
	"github.com/streamweave/backend/internal/models"
)

func testConfig() Config {
	return Config{
		BatchCount:        10,
		ConfirmationDelay: 5,
		RetentionEpochs:   1000,
		PricePerEpoch:     decimal.RequireFromString("0.0001"),
		RetryBudget:       1,
		Retry:             gateway.RetryPolicy{Attempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond},
		CallTimeout:       time.Second,
		FinalizeTimeout:   2 * time.Second,
		Providers:         []string{"f01000", "f02000"},
		DefaultProvider:   "f09999",
	}
}

func newTestPipeline(t *testing.T, cfg Config, clk clock.Clock) (*Pipeline, *gateway.MockLedger, *gateway.MemoryContentStore) {
	t.Helper()
	ledger := gateway.NewMockLedger(100)
	store := gateway.NewMemoryContentStore()
	p, err := New(cfg, ledger, store, nil, clk)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, ledger, store
}

func segments(from, to uint64) []models.Segment {
	var out []models.Segment
	for i := from; i <= to; i++ {
		out = append(out, models.Segment{
			Sequence: i,
			Payload:  []byte(fmt.Sprintf("segment-%d", i)),
			Duration: 10 * time.Second,
		})
	}
	return out
}

func TestBatchThresholdLeavesRemainderBuffered(t *testing.T) {
	p, ledger, _ := newTestPipeline(t, testConfig(), clock.NewMock())
	sid := uuid.New()

	for _, s := range segments(1, 12) {
		p.EnqueueSegment(sid, s)
	}

	require.Eventually(t, func() bool {
		st, err := p.Status(sid)
		return err == nil && len(st.Deals) == 1
	}, time.Second, 5*time.Millisecond)

	st, err := p.Status(sid)
	require.NoError(t, err)
	require.Equal(t, 2, st.BufferedSegments)
	require.Equal(t, 10, st.Deals[0].SegmentCount)
	require.Equal(t, uint64(1), st.Deals[0].FirstSequence)
	require.Equal(t, uint64(10), st.Deals[0].LastSequence)
	require.Equal(t, models.DealProposed, st.Deals[0].State)
	require.Len(t, ledger.Proposals(), 1)
}

func TestByteThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.BatchBytes = 20
	p, _, _ := newTestPipeline(t, cfg, clock.NewMock())
	sid := uuid.New()

	// each payload is 9 bytes, the third crosses the threshold
	for _, s := range segments(1, 3) {
		p.EnqueueSegment(sid, s)
	}
	require.Eventually(t, func() bool {
		st, err := p.Status(sid)
		return err == nil && len(st.Deals) == 1 && st.BufferedSegments == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFlushTimerCommitsPartialBatch(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 30 * time.Second
	clk := clock.NewMock()
	p, _, _ := newTestPipeline(t, cfg, clk)
	sid := uuid.New()

	for _, s := range segments(1, 3) {
		p.EnqueueSegment(sid, s)
	}
	st, err := p.Status(sid)
	require.NoError(t, err)
	require.Equal(t, 3, st.BufferedSegments)

	clk.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		st, err := p.Status(sid)
		return err == nil && len(st.Deals) == 1 && st.BufferedSegments == 0
	}, time.Second, 5*time.Millisecond)
}

func TestValidityWindowStartsAfterObservedEpoch(t *testing.T) {
	p, ledger, store := newTestPipeline(t, testConfig(), clock.New())

	for _, epoch := range []models.Epoch{0, 100, 2000} {
		ledger.SetEpoch(epoch)
		deal, err := p.CommitBatch(context.Background(), uuid.New(), segments(1, 2))
		require.NoError(t, err)
		require.Equal(t, epoch+5, deal.Window.Start)
		require.Equal(t, deal.Window.Start+1000, deal.Window.End)
		require.True(t, store.IsPinned(deal.ContentAddress))
	}
	for _, prop := range ledger.Proposals() {
		require.Greater(t, prop.Window.Start, prop.Epoch)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	p, ledger, _ := newTestPipeline(t, testConfig(), clock.New())
	ledger.ScriptNextDeals([]models.DealState{models.DealFailed}, []models.DealState{models.DealFailed})
	ctx := context.Background()

	deal, err := p.CommitBatch(ctx, uuid.New(), segments(1, 10))
	require.NoError(t, err)
	require.Equal(t, "f01000", deal.Provider)

	deal, err = p.PollDealStatus(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, models.DealProposed, deal.State)
	require.Equal(t, 2, deal.Attempts)
	require.Equal(t, "f02000", deal.Provider)

	deal, err = p.PollDealStatus(ctx, deal.ID)
	require.Error(t, err)
	require.Equal(t, models.DealFailed, deal.State)

	deal, err = p.PollDealStatus(ctx, deal.ID)
	require.NoError(t, err)
	require.Equal(t, models.DealFailed, deal.State)
	require.Len(t, ledger.Proposals(), 2)
}

func TestDealAdvancesThroughLedgerStates(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(), clock.New())
	ctx := context.Background()

	deal, err := p.CommitBatch(ctx, uuid.New(), segments(1, 1))
	require.NoError(t, err)

	for _, want := range gateway.DefaultDealScript {
		deal, err = p.PollDealStatus(ctx, deal.ID)
		require.NoError(t, err)
		require.Equal(t, want, deal.State)
	}
}

func TestProposalRetriesTransientErrors(t *testing.T) {
	p, ledger, _ := newTestPipeline(t, testConfig(), clock.New())
	ledger.FailProposals(models.ErrGatewayTimeout)

	deal, err := p.CommitBatch(context.Background(), uuid.New(), segments(1, 1))
	require.NoError(t, err)
	require.Equal(t, 1, deal.Attempts)
	require.Len(t, ledger.Proposals(), 1)
}

func TestProposalFailuresConsumeBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Attempts = 1
	cfg.RetryBudget = 0
	p, ledger, _ := newTestPipeline(t, cfg, clock.New())
	ledger.FailProposals(errors.New("provider unreachable"))

	deal, err := p.CommitBatch(context.Background(), uuid.New(), segments(1, 1))
	require.ErrorIs(t, err, models.ErrGatewayError)
	require.Equal(t, models.DealFailed, deal.State)
	require.Contains(t, deal.LastError, "provider unreachable")
}

func TestContentStoreFailureRecordsFailedDeal(t *testing.T) {
	p, ledger, store := newTestPipeline(t, testConfig(), clock.New())
	store.PutErr = errors.New("disk full")
	sid := uuid.New()

	deal, err := p.CommitBatch(context.Background(), sid, segments(1, 3))
	require.ErrorIs(t, err, models.ErrGatewayError)
	require.Equal(t, models.DealFailed, deal.State)
	require.Empty(t, ledger.Proposals())

	m, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.False(t, m.TimedOut)
	require.Len(t, m.Failed(), 1)
}

func TestFinalizeSessionWaitsForTerminalDeals(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	p, _, store := newTestPipeline(t, cfg, clock.New())
	sid := uuid.New()

	for _, s := range segments(1, 13) {
		p.EnqueueSegment(sid, s)
	}

	m, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.False(t, m.TimedOut)
	require.Len(t, m.Entries, 2)
	for _, e := range m.Entries {
		require.Equal(t, models.DealCompleted, e.State)
		require.True(t, store.IsPinned(e.ContentAddress))
	}

	st, err := p.Status(sid)
	require.NoError(t, err)
	require.NotNil(t, st.Manifest)
	require.Len(t, st.Deals, 2)

	again, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.Equal(t, m, again)
}

func TestFinalizeSessionTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FinalizeTimeout = 50 * time.Millisecond
	p, ledger, _ := newTestPipeline(t, cfg, clock.New())
	ledger.SetDefaultScript(models.DealPublished)
	sid := uuid.New()

	for _, s := range segments(1, 2) {
		p.EnqueueSegment(sid, s)
	}

	m, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.True(t, m.TimedOut)
	require.Len(t, m.Entries, 1)
	require.Equal(t, models.DealPublished, m.Entries[0].State)
}

func TestFinalizeEmptySession(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(), clock.New())

	m, err := p.FinalizeSession(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Empty(t, m.Entries)
	require.False(t, m.TimedOut)
}

func TestStatusUnknownSession(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(), clock.New())

	_, err := p.Status(uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = p.Deal(uuid.New())
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestEstimateCost(t *testing.T) {
	p, _, _ := newTestPipeline(t, testConfig(), clock.New())

	require.True(t, decimal.RequireFromString("0.1").Equal(p.EstimateCost(1024)))
	require.True(t, decimal.RequireFromString("0.3").Equal(p.EstimateCost(2*gib+1)))
}

func TestConcurrentFinalizeSession(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	p, _, _ := newTestPipeline(t, cfg, clock.New())
	sid := uuid.New()

	for _, s := range segments(1, 13) {
		p.EnqueueSegment(sid, s)
	}

	const callers = 8
	results := make(chan models.ArchiveManifest, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			m, err := p.FinalizeSession(context.Background(), sid)
			errs <- err
			results <- m
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
		m := <-results
		require.False(t, m.TimedOut)
		require.Len(t, m.Entries, 2)
	}
}

func TestSegmentsAfterFinalizeStartAreDropped(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.FinalizeTimeout = 50 * time.Millisecond
	p, ledger, _ := newTestPipeline(t, cfg, clock.New())
	ledger.SetDefaultScript(models.DealPublished)
	sid := uuid.New()

	for _, s := range segments(1, 2) {
		p.EnqueueSegment(sid, s)
	}
	m, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.True(t, m.TimedOut)

	// a full batch arriving late must not start another commit
	for _, s := range segments(3, 12) {
		p.EnqueueSegment(sid, s)
	}
	p.FlushSession(sid)

	st, err := p.Status(sid)
	require.NoError(t, err)
	require.Zero(t, st.BufferedSegments)
	require.Len(t, ledger.Proposals(), 1)

	again, err := p.FinalizeSession(context.Background(), sid)
	require.NoError(t, err)
	require.Len(t, again.Entries, 1)
}
