package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places used when an amount leaves
// the process. Internal arithmetic is exact.
const AmountScale int32 = 18

// Submittable rounds an amount down to the ledger's precision.
func Submittable(d decimal.Decimal) decimal.Decimal {
	return d.RoundFloor(AmountScale)
}

type ChannelState string

const (
	ChannelOpening  ChannelState = "opening"
	ChannelOpen     ChannelState = "open"
	ChannelSettling ChannelState = "settling"
	ChannelClosed   ChannelState = "closed"
)

type PaymentChannel struct {
	ID            uuid.UUID       `json:"id"`
	LedgerID      string          `json:"ledger_id"`
	SessionID     uuid.UUID       `json:"session_id"`
	ViewerID      string          `json:"viewer_id"`
	PayerID       string          `json:"payer_id"`
	PayeeID       string          `json:"payee_id"`
	Funding       decimal.Decimal `json:"funding"`
	Accrued       decimal.Decimal `json:"accrued"`
	Submitted     decimal.Decimal `json:"submitted"`
	RatePerMinute decimal.Decimal `json:"rate_per_minute"`
	State         ChannelState    `json:"state"`
	LastSequence  uint64          `json:"last_sequence"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Pending is the accrued amount not yet acknowledged by the ledger.
func (c PaymentChannel) Pending() decimal.Decimal {
	return c.Accrued.Sub(c.Submitted)
}

type Voucher struct {
	ChannelID uuid.UUID       `json:"channel_id"`
	Amount    decimal.Decimal `json:"cumulative_amount"`
	Sequence  uint64          `json:"sequence"`
	IssuedAt  time.Time       `json:"issued_at"`
	Submitted bool            `json:"submitted"`
}

type RevenueSplit struct {
	Recipient  string          `json:"recipient" binding:"required"`
	Percentage decimal.Decimal `json:"percentage"`
	Label      string          `json:"label"`
}

type Transfer struct {
	Recipient string          `json:"recipient"`
	Label     string          `json:"label,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (t Transfer) Failed() bool {
	return t.Error != ""
}

type DistributionResult struct {
	ID                uuid.UUID       `json:"id"`
	Total             decimal.Decimal `json:"total"`
	Transfers         []Transfer      `json:"transfers"`
	PlatformRemainder decimal.Decimal `json:"platform_remainder"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Distributed sums the transfers that went through.
func (r DistributionResult) Distributed() decimal.Decimal {
	sum := decimal.Zero
	for _, t := range r.Transfers {
		if !t.Failed() {
			sum = sum.Add(t.Amount)
		}
	}
	return sum
}

type MeterRequest struct {
	ElapsedMinutes decimal.Decimal `json:"elapsed_minutes"`
}

type SplitsRequest struct {
	Splits []RevenueSplit `json:"splits" binding:"dive"`
}

type DistributeRequest struct {
	SessionID uuid.UUID       `json:"session_id" binding:"required"`
	Total     decimal.Decimal `json:"total"`
	Splits    []RevenueSplit  `json:"splits" binding:"required,dive"`
}
