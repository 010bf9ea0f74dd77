package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamweave/backend/internal/database"
	"github.com/streamweave/backend/internal/models"
)

// JournalRepository persists an audit trail of sessions, deals, channels,
// vouchers and distributions. Writes are upserts so replayed events are
// harmless.
type JournalRepository struct {
	db *database.DB
}

func NewJournalRepository(db *database.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

func (r *JournalRepository) UpsertSession(s models.StreamSession) error {
	query := `
        INSERT INTO stream_sessions (id, owner_id, title, quality, status, error_reason, viewer_count, created_at, live_at, ended_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            error_reason = EXCLUDED.error_reason,
            viewer_count = EXCLUDED.viewer_count,
            live_at = COALESCE(EXCLUDED.live_at, stream_sessions.live_at),
            ended_at = COALESCE(EXCLUDED.ended_at, stream_sessions.ended_at),
            updated_at = NOW()
    `
	_, err := r.db.Exec(query,
		s.ID,
		s.OwnerID,
		s.Title,
		s.Quality.Name,
		s.Status,
		s.ErrorReason,
		len(s.Viewers),
		s.CreatedAt,
		s.LiveAt,
		s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (r *JournalRepository) EndSession(id uuid.UUID, viewerCount int, duration time.Duration, endedAt time.Time) error {
	query := `
        UPDATE stream_sessions
        SET status = $1, viewer_count = $2, duration_seconds = $3, ended_at = $4, updated_at = NOW()
        WHERE id = $5
    `
	_, err := r.db.Exec(query, models.SessionEnded, viewerCount, int64(duration.Seconds()), endedAt, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// GetSession returns the journaled session, or nil if none was recorded
func (r *JournalRepository) GetSession(id uuid.UUID) (*models.SessionRecord, error) {
	query := `
        SELECT id, owner_id, title, quality, status, error_reason, viewer_count, duration_seconds, created_at, live_at, ended_at
        FROM stream_sessions WHERE id = $1
    `
	s := &models.SessionRecord{}
	err := r.db.QueryRow(query, id).Scan(
		&s.ID,
		&s.OwnerID,
		&s.Title,
		&s.Quality,
		&s.Status,
		&s.ErrorReason,
		&s.ViewerCount,
		&s.DurationSeconds,
		&s.CreatedAt,
		&s.LiveAt,
		&s.EndedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *JournalRepository) UpsertDeal(d models.StorageDeal) error {
	query := `
        INSERT INTO storage_deals (id, session_id, proposal_id, content_address, size, provider, price_per_epoch,
            start_epoch, end_epoch, state, attempts, first_sequence, last_sequence, last_error, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
        ON CONFLICT (id) DO UPDATE SET
            proposal_id = EXCLUDED.proposal_id,
            provider = EXCLUDED.provider,
            price_per_epoch = EXCLUDED.price_per_epoch,
            start_epoch = EXCLUDED.start_epoch,
            end_epoch = EXCLUDED.end_epoch,
            state = EXCLUDED.state,
            attempts = EXCLUDED.attempts,
            last_error = EXCLUDED.last_error,
            updated_at = EXCLUDED.updated_at
    `
	_, err := r.db.Exec(query,
		d.ID,
		d.SessionID,
		d.ProposalID,
		d.ContentAddress,
		int64(d.Size),
		d.Provider,
		d.PricePerEpoch,
		int64(d.Window.Start),
		int64(d.Window.End),
		d.State,
		d.Attempts,
		int64(d.FirstSequence),
		int64(d.LastSequence),
		d.LastError,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert deal: %w", err)
	}
	return nil
}

// DealsBySession lists a session's journaled deals, oldest first
func (r *JournalRepository) DealsBySession(sessionID uuid.UUID) ([]models.StorageDeal, error) {
	query := `
        SELECT id, session_id, proposal_id, content_address, size, provider, price_per_epoch,
            start_epoch, end_epoch, state, attempts, first_sequence, last_sequence, last_error, created_at, updated_at
        FROM storage_deals WHERE session_id = $1 ORDER BY created_at ASC
    `
	rows, err := r.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deals: %w", err)
	}
	defer rows.Close()

	var deals []models.StorageDeal
	for rows.Next() {
		var (
			d                 models.StorageDeal
			size, start, end  int64
			firstSeq, lastSeq int64
		)
		if err := rows.Scan(
			&d.ID,
			&d.SessionID,
			&d.ProposalID,
			&d.ContentAddress,
			&size,
			&d.Provider,
			&d.PricePerEpoch,
			&start,
			&end,
			&d.State,
			&d.Attempts,
			&firstSeq,
			&lastSeq,
			&d.LastError,
			&d.CreatedAt,
			&d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan deal: %w", err)
		}
		d.Size = uint64(size)
		d.Window = models.ValidityWindow{Start: models.Epoch(start), End: models.Epoch(end)}
		d.FirstSequence, d.LastSequence = uint64(firstSeq), uint64(lastSeq)
		d.SegmentCount = int(lastSeq - firstSeq + 1)
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func (r *JournalRepository) UpsertChannel(ch models.PaymentChannel) error {
	query := `
        INSERT INTO payment_channels (id, ledger_id, session_id, viewer_id, payee_id, funding, submitted, state, settlement_ref, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (id) DO UPDATE SET
            submitted = EXCLUDED.submitted,
            state = EXCLUDED.state,
            settlement_ref = EXCLUDED.settlement_ref,
            updated_at = EXCLUDED.updated_at
    `
	_, err := r.db.Exec(query,
		ch.ID,
		ch.LedgerID,
		ch.SessionID,
		ch.ViewerID,
		ch.PayeeID,
		ch.Funding,
		ch.Submitted,
		ch.State,
		ch.SettlementRef,
		ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

func (r *JournalRepository) RecordVoucher(sessionID uuid.UUID, v models.Voucher) error {
	query := `
        INSERT INTO vouchers (channel_id, sequence, session_id, amount, issued_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (channel_id, sequence) DO NOTHING
    `
	_, err := r.db.Exec(query, v.ChannelID, int64(v.Sequence), sessionID, v.Amount, v.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to record voucher: %w", err)
	}
	return nil
}

// RecordDistribution stores a distribution and its transfers atomically
func (r *JournalRepository) RecordDistribution(sessionID uuid.UUID, res models.DistributionResult) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO distributions (id, session_id, total, platform_remainder, created_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO NOTHING
    `, res.ID, sessionID, res.Total, res.PlatformRemainder, res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record distribution: %w", err)
	}

	for _, t := range res.Transfers {
		_, err := tx.Exec(`
            INSERT INTO distribution_transfers (distribution_id, recipient, label, amount, reference, error)
            VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (distribution_id, recipient) DO NOTHING
        `, res.ID, t.Recipient, t.Label, t.Amount, t.Reference, t.Error)
		if err != nil {
			return fmt.Errorf("failed to record transfer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit distribution: %w", err)
	}
	return nil
}
