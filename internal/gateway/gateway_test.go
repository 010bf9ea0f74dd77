package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/models"
)

func TestContentAddressDeterministic(t *testing.T) {
	a, err := ContentAddress([]byte("segment-1"))
	require.NoError(t, err)
	b, err := ContentAddress([]byte("segment-1"))
	require.NoError(t, err)
	c, err := ContentAddress([]byte("segment-2"))
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	parsed, err := ParseContentAddress(a)
	require.NoError(t, err)
	require.Equal(t, uint64(1), parsed.Version())
}

func TestClassify(t *testing.T) {
	tcases := []struct {
		name    string
		err     error
		timeout bool
		remote  bool
	}{{
		name:    "deadline becomes timeout",
		err:     context.DeadlineExceeded,
		timeout: true,
	}, {
		name:   "plain error becomes gateway error",
		err:    errors.New("boom"),
		remote: true,
	}, {
		name:    "already classified passes through",
		err:     models.ErrGatewayTimeout,
		timeout: true,
	}, {
		name: "cancellation is not retryable",
		err:  context.Canceled,
	}}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify("op", tc.err)
			require.Error(t, err)
			require.Equal(t, tc.timeout, errors.Is(err, models.ErrGatewayTimeout))
			require.Equal(t, tc.remote, errors.Is(err, models.ErrGatewayError))
		})
	}
	require.NoError(t, Classify("op", nil))
}

func TestCallTimesOut(t *testing.T) {
	err := Call(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, models.ErrGatewayTimeout)
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, clock.New(), policy, "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return models.ErrGatewayError
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, clock.New(), policy, "op", func(ctx context.Context) error {
			calls++
			return models.ErrGatewayTimeout
		})
		require.ErrorIs(t, err, models.ErrGatewayTimeout)
		require.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, clock.New(), policy, "op", func(ctx context.Context) error {
			calls++
			return models.ErrNotFound
		})
		require.ErrorIs(t, err, models.ErrNotFound)
		require.Equal(t, 1, calls)
	})
}

func TestMapMarketState(t *testing.T) {
	require.Equal(t, models.DealActive, mapMarketState(marketActive))
	require.Equal(t, models.DealCompleted, mapMarketState(marketExpired))
	require.Equal(t, models.DealFailed, mapMarketState(marketSlashed))
	require.Equal(t, models.DealPublished, mapMarketState(marketSealing))
	require.Equal(t, models.DealProposed, mapMarketState(0))
}

func TestAttoFIL(t *testing.T) {
	require.Equal(t, "150000000000000000", attoFIL(decimal.RequireFromString("0.15")))
	// precision beyond the ledger scale is floored
	require.Equal(t, "1", attoFIL(decimal.RequireFromString("0.0000000000000000019")))
}

func TestMemoryContentStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryContentStore()

	addr, err := s.Put(ctx, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, s.Pin(ctx, addr))
	require.True(t, s.IsPinned(addr))

	data, ok := s.Get(addr)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), data)

	err = s.Pin(ctx, "bafy-missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestMockLedgerRejectsPastStart(t *testing.T) {
	ctx := context.Background()
	m := NewMockLedger(100)

	_, err := m.ProposeStorageDeal(ctx, DealProposal{Window: models.ValidityWindow{Start: 100, End: 200}})
	require.ErrorIs(t, err, models.ErrGatewayError)

	id, err := m.ProposeStorageDeal(ctx, DealProposal{Provider: "f01000", Window: models.ValidityWindow{Start: 101, End: 200}})
	require.NoError(t, err)

	for _, want := range DefaultDealScript {
		st, err := m.GetDealState(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, st.State)
		require.Equal(t, "f01000", st.Provider)
	}
	// the last scripted state sticks
	st, err := m.GetDealState(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.DealCompleted, st.State)
}
