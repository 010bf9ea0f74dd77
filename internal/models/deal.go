package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Epoch is the ledger's discrete time unit.
type Epoch int64

type DealState string

const (
	DealProposed  DealState = "proposed"
	DealPublished DealState = "published"
	DealActive    DealState = "active"
	DealFailed    DealState = "failed"
	DealCompleted DealState = "completed"
)

func (s DealState) Terminal() bool {
	return s == DealCompleted || s == DealFailed
}

// ValidityWindow bounds a deal in ledger epochs. Start is always after the
// epoch observed at proposal time.
type ValidityWindow struct {
	Start Epoch `json:"start_epoch"`
	End   Epoch `json:"end_epoch"`
}

func (w ValidityWindow) Duration() Epoch {
	return w.End - w.Start
}

type StorageDeal struct {
	ID             uuid.UUID       `json:"id"`
	SessionID      uuid.UUID       `json:"session_id"`
	ProposalID     string          `json:"proposal_id"`
	ContentAddress string          `json:"content_address"`
	Size           uint64          `json:"size"`
	Provider       string          `json:"provider"`
	PricePerEpoch  decimal.Decimal `json:"price_per_epoch"`
	Window         ValidityWindow  `json:"window"`
	State          DealState       `json:"state"`
	Attempts       int             `json:"attempts"`
	FirstSequence  uint64          `json:"first_sequence"`
	LastSequence   uint64          `json:"last_sequence"`
	SegmentCount   int             `json:"segment_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TotalPrice is the quoted price for the full validity window.
func (d StorageDeal) TotalPrice() decimal.Decimal {
	return d.PricePerEpoch.Mul(decimal.NewFromInt(int64(d.Window.Duration())))
}

// ArchiveEntry is one line of a finalized archive manifest.
type ArchiveEntry struct {
	DealID         uuid.UUID `json:"deal_id"`
	ContentAddress string    `json:"content_address"`
	State          DealState `json:"state"`
}

type ArchiveManifest struct {
	SessionID uuid.UUID      `json:"session_id"`
	Entries   []ArchiveEntry `json:"entries"`
	TimedOut  bool           `json:"timed_out"`
}

// Failed returns the entries that did not reach durable storage.
func (m ArchiveManifest) Failed() []ArchiveEntry {
	var out []ArchiveEntry
	for _, e := range m.Entries {
		if e.State == DealFailed {
			out = append(out, e)
		}
	}
	return out
}

// ArchiveStatus is the archival view of one session.
type ArchiveStatus struct {
	SessionID        uuid.UUID        `json:"session_id"`
	BufferedSegments int              `json:"buffered_segments"`
	BufferedBytes    int              `json:"buffered_bytes"`
	Deals            []StorageDeal    `json:"deals"`
	Manifest         *ArchiveManifest `json:"manifest,omitempty"`
}
