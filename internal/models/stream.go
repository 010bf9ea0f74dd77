package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionLive     SessionStatus = "live"
	SessionEnded    SessionStatus = "ended"
	SessionError    SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionError
}

type QualityProfile struct {
	Name        string `json:"name"`
	BitrateKbps int    `json:"bitrate_kbps"`
	FrameRate   int    `json:"frame_rate"`
}

// StreamSession is a read-only snapshot of a broadcast owned by the session manager.
type StreamSession struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     string         `json:"owner_id"`
	Title       string         `json:"title"`
	Status      SessionStatus  `json:"status"`
	Quality     QualityProfile `json:"quality"`
	Viewers     []string       `json:"viewers"`
	WindowSize  int            `json:"window_size"`
	LastSeq     uint64         `json:"last_sequence"`
	ErrorReason string         `json:"error_reason,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LiveAt      *time.Time     `json:"live_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// Segment is an immutable slice of stream media.
type Segment struct {
	Sequence   uint64        `json:"sequence"`
	Payload    []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	CapturedAt time.Time     `json:"captured_at"`
}

// SegmentDescriptor is a manifest entry for playback.
type SegmentDescriptor struct {
	Sequence uint64        `json:"sequence"`
	Duration time.Duration `json:"duration"`
}

type SessionStats struct {
	SessionID       uuid.UUID     `json:"session_id"`
	Status          SessionStatus `json:"status"`
	ViewerCount     int           `json:"viewer_count"`
	DurationSeconds int64         `json:"duration_seconds"`
	SegmentCount    int           `json:"segment_count"`
	Quality         string        `json:"quality"`
	BitrateKbps     int           `json:"bitrate_kbps"`
	FrameRate       int           `json:"frame_rate"`
}

// EndResult is returned when a session transitions to ended.
type EndResult struct {
	SessionID   uuid.UUID     `json:"session_id"`
	ViewerCount int           `json:"viewer_count"`
	Duration    time.Duration `json:"duration"`
}

type StartSessionRequest struct {
	Title   string         `json:"title" binding:"required"`
	Quality string         `json:"quality" binding:"required"`
	Splits  []RevenueSplit `json:"splits"`
}

type IngestSegmentRequest struct {
	Sequence        uint64  `json:"sequence"`
	DurationSeconds float64 `json:"duration_seconds" binding:"required"`
	Payload         []byte  `json:"payload" binding:"required"`
}

// StreamSummary reports everything that happened when a stream ended.
type StreamSummary struct {
	Session      EndResult           `json:"session"`
	Archive      ArchiveManifest     `json:"archive"`
	Channels     []PaymentChannel    `json:"channels"`
	Revenue      decimal.Decimal     `json:"revenue"`
	Distribution *DistributionResult `json:"distribution,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
}

// SessionRecord is a journaled session row.
type SessionRecord struct {
	ID              uuid.UUID     `json:"id"`
	OwnerID         string        `json:"owner_id"`
	Title           string        `json:"title"`
	Quality         string        `json:"quality"`
	Status          SessionStatus `json:"status"`
	ErrorReason     string        `json:"error_reason,omitempty"`
	ViewerCount     int           `json:"viewer_count"`
	DurationSeconds int64         `json:"duration_seconds"`
	CreatedAt       time.Time     `json:"created_at"`
	LiveAt          *time.Time    `json:"live_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}
