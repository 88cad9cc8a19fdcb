package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced          = "OrderPlaced"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventOrderRefillRequested = "OrderRefillRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderPlacedPayload struct {
	OrderID         int64  `json:"order_id"`
	UserID          int64  `json:"user_id"`
	ServiceID       int64  `json:"service_id"`
	ExternalOrderID int64  `json:"external_order_id"`
	Quantity        int64  `json:"quantity"`
	TotalPrice      int64  `json:"total_price"`
	Status          Status `json:"status"`
}

type OrderStatusChangedPayload struct {
	OrderID        int64      `json:"order_id"`
	From           Status     `json:"from"`
	To             Status     `json:"to"`
	StartCount     *int64     `json:"start_count,omitempty"`
	RemainingCount *int64     `json:"remaining_count,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Reason         string     `json:"reason"` // sync | cancel
}

type OrderRefillRequestedPayload struct {
	OrderID         int64 `json:"order_id"`
	ExternalOrderID int64 `json:"external_order_id"`
	RefillID        int64 `json:"refill_id"`
}

// StatusSnapshot is what the read cache stores per order.
type StatusSnapshot struct {
	OrderID        int64      `json:"order_id"`
	Status         Status     `json:"status"`
	StartCount     *int64     `json:"start_count,omitempty"`
	RemainingCount *int64     `json:"remaining_count,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func SnapshotOf(o Order) StatusSnapshot {
	return StatusSnapshot{
		OrderID:        o.ID,
		Status:         o.Status,
		StartCount:     o.StartCount,
		RemainingCount: o.RemainingCount,
		CompletedAt:    o.CompletedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}
