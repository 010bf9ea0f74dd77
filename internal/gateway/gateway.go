// Package gateway defines the contracts the core expects from the ledger and
// the content store, along with the concrete clients that satisfy them.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/streamweave/backend/internal/models"
)

// DealProposal is everything the ledger needs to publish a storage deal.
type DealProposal struct {
	ContentAddress string
	Size           uint64
	Provider       string
	Window         models.ValidityWindow
	PricePerEpoch  decimal.Decimal
}

// DealStatus is the ledger's current view of a proposed deal.
type DealStatus struct {
	State    models.DealState
	Provider string
	Message  string
}

// LedgerGateway is the capability set consumed from the external ledger.
// Implementations classify failures as models.ErrGatewayTimeout or
// models.ErrGatewayError.
type LedgerGateway interface {
	ProposeStorageDeal(ctx context.Context, p DealProposal) (string, error)
	GetDealState(ctx context.Context, proposalID string) (DealStatus, error)
	OpenPaymentChannel(ctx context.Context, payer, payee string, funding decimal.Decimal) (string, error)
	SubmitVoucher(ctx context.Context, channelID string, cumulative decimal.Decimal, sequence uint64) error
	SettleChannel(ctx context.Context, channelID string) (string, error)
	CurrentEpoch(ctx context.Context) (models.Epoch, error)
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
}

// ContentStore content-addresses payloads and keeps them retrievable.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Pin(ctx context.Context, contentAddress string) error
}
