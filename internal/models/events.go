package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Lifecycle events pushed to subscribers
const (
	EventSessionStarted       EventType = "sessionStarted"
	EventSessionLive          EventType = "sessionLive"
	EventSessionError         EventType = "sessionError"
	EventViewerJoined         EventType = "viewerJoined"
	EventViewerLeft           EventType = "viewerLeft"
	EventSessionEnded         EventType = "sessionEnded"
	EventDealStateChanged     EventType = "dealStateChanged"
	EventVoucherSubmitted     EventType = "voucherSubmitted"
	EventPaymentSettled       EventType = "paymentSettled"
	EventReconciliationFailed EventType = "reconciliationFailed"
	EventRevenueDistributed   EventType = "revenueDistributed"
)

type Event struct {
	Type      EventType   `json:"event"`
	SessionID uuid.UUID   `json:"session_id"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

type ViewerPayload struct {
	ViewerID    string `json:"viewer_id"`
	ViewerCount int    `json:"viewer_count"`
}

type SessionPayload struct {
	Session StreamSession `json:"session"`
}

type SessionEndedPayload struct {
	ViewerCount     int   `json:"viewer_count"`
	DurationSeconds int64 `json:"duration_seconds"`
}

type DealPayload struct {
	Deal StorageDeal `json:"deal"`
	From DealState   `json:"from"`
}

type VoucherPayload struct {
	Voucher Voucher `json:"voucher"`
}

type SettlementPayload struct {
	Channel PaymentChannel `json:"channel"`
	Error   string         `json:"error,omitempty"`
}

type DistributionPayload struct {
	Result DistributionResult `json:"result"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Client to server websocket messages
const (
	WSSubscribe   = "subscribe"
	WSUnsubscribe = "unsubscribe"
	WSError       = "error"
)

type WSMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WSSubscribePayload struct {
	SessionID uuid.UUID `json:"session_id"`
}
