package paych

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/streamweave/backend/internal/models"
)

func TestDistributeRevenue(t *testing.T) {
	m, ledger := newTestManager(t, testConfig())

	res, err := m.DistributeRevenue(context.Background(), uuid.New(), d("1.00"), []models.RevenueSplit{
		{Recipient: "streamer", Percentage: d("40"), Label: "creator"},
		{Recipient: "editor", Percentage: d("35"), Label: "collaborator"},
	})
	require.NoError(t, err)
	require.Len(t, res.Transfers, 2)
	require.True(t, d("0.40").Equal(res.Transfers[0].Amount))
	require.True(t, d("0.35").Equal(res.Transfers[1].Amount))
	require.True(t, d("0.25").Equal(res.PlatformRemainder))
	require.Len(t, ledger.Transfers(), 2)
	for _, tr := range res.Transfers {
		require.False(t, tr.Failed())
		require.NotEmpty(t, tr.Reference)
	}
}

func TestDistributeRevenueNoLeakage(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	tests := []struct {
		total  string
		splits []string
	}{
		{"1", []string{"33.333", "33.333", "33.333"}},
		{"0.000000000000000007", []string{"50", "50"}},
		{"123.456789", []string{"12.5", "0", "87.5"}},
		{"10", nil},
	}
	for _, tt := range tests {
		var splits []models.RevenueSplit
		for i, p := range tt.splits {
			splits = append(splits, models.RevenueSplit{Recipient: string(rune('a' + i)), Percentage: d(p)})
		}
		res, err := m.DistributeRevenue(context.Background(), uuid.Nil, d(tt.total), splits)
		require.NoError(t, err)

		sum := res.PlatformRemainder
		for _, tr := range res.Transfers {
			sum = sum.Add(tr.Amount)
		}
		require.True(t, d(tt.total).Equal(sum), "total %s", tt.total)
		require.False(t, res.PlatformRemainder.IsNegative())
	}
}

func TestDistributeRevenueInvalidSplits(t *testing.T) {
	cfg := testConfig()
	cfg.PlatformFeePercent = d("3")
	m, ledger := newTestManager(t, cfg)

	tests := []struct {
		name   string
		total  decimal.Decimal
		splits []models.RevenueSplit
	}{
		{"over hundred", d("1"), []models.RevenueSplit{{Recipient: "a", Percentage: d("60")}, {Recipient: "b", Percentage: d("41")}}},
		{"eats platform fee", d("1"), []models.RevenueSplit{{Recipient: "a", Percentage: d("98")}}},
		{"negative share", d("1"), []models.RevenueSplit{{Recipient: "a", Percentage: d("-1")}}},
		{"missing recipient", d("1"), []models.RevenueSplit{{Percentage: d("10")}}},
		{"negative total", d("-1"), []models.RevenueSplit{{Recipient: "a", Percentage: d("10")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.DistributeRevenue(context.Background(), uuid.Nil, tt.total, tt.splits)
			require.ErrorIs(t, err, models.ErrInvalidSplit)
		})
	}
	require.Empty(t, ledger.Transfers())

	res, err := m.DistributeRevenue(context.Background(), uuid.Nil, d("100"), []models.RevenueSplit{{Recipient: "a", Percentage: d("97")}})
	require.NoError(t, err)
	require.True(t, d("3").Equal(res.PlatformRemainder))
}

func TestDistributeRevenuePartialFailure(t *testing.T) {
	m, ledger := newTestManager(t, testConfig())
	ledger.FailTransfersTo("editor", errors.New("address not found"))

	res, err := m.DistributeRevenue(context.Background(), uuid.Nil, d("2"), []models.RevenueSplit{
		{Recipient: "streamer", Percentage: d("50")},
		{Recipient: "editor", Percentage: d("25")},
	})
	require.NoError(t, err)
	require.False(t, res.Transfers[0].Failed())
	require.True(t, res.Transfers[1].Failed())
	require.Contains(t, res.Transfers[1].Error, "address not found")
	require.True(t, d("1").Equal(res.Distributed()))
	require.True(t, d("0.5").Equal(res.PlatformRemainder))
	require.Len(t, ledger.Transfers(), 1)
}
