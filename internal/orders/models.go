package orders

import "time"

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"` // cents
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	Icon        string `json:"icon"`
	Color       string `json:"color"`
	Description string `json:"description"`
	OrderIndex  int    `json:"order_index"`
}

// Service is a purchasable unit of upstream work. ExternalID 0 means the
// service has no upstream mapping and cannot be ordered.
type Service struct {
	ID              int64  `json:"id"`
	ExternalID      int64  `json:"external_id"`
	CategoryID      int64  `json:"category_id,omitempty"`
	Category        string `json:"category"`
	Name            string `json:"name"`
	Type            string `json:"type,omitempty"`
	Description     string `json:"description,omitempty"`
	Rate            string `json:"rate"`  // upstream per-1000 rate
	Price           int64  `json:"price"` // cents per 1000
	MinQuantity     int64  `json:"min_quantity"`
	MaxQuantity     int64  `json:"max_quantity"`
	DeliveryTime    string `json:"delivery_time"`
	RefillSupported bool   `json:"refill_supported"`
	CancelSupported bool   `json:"cancel_supported"`
	Active          bool   `json:"active"`
}

type Order struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	ServiceID       int64      `json:"service_id"`
	Link            string     `json:"link"`
	Quantity        int64      `json:"quantity"`
	TotalPrice      int64      `json:"total_price"` // cents, snapshotted at placement
	Status          Status     `json:"status"`
	ExternalOrderID *int64     `json:"external_order_id"`
	Charge          *string    `json:"charge,omitempty"`
	Currency        *string    `json:"currency,omitempty"`
	StartCount      *int64     `json:"start_count"`
	RemainingCount  *int64     `json:"remaining_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// HasUpstream reports whether the provider accepted the order.
func (o *Order) HasUpstream() bool { return o.ExternalOrderID != nil && *o.ExternalOrderID > 0 }

// Clone returns a deep copy so callers can mutate without aliasing stored rows.
func (o Order) Clone() Order {
	c := o
	c.ExternalOrderID = clonePtr(o.ExternalOrderID)
	c.Charge = clonePtr(o.Charge)
	c.Currency = clonePtr(o.Currency)
	c.StartCount = clonePtr(o.StartCount)
	c.RemainingCount = clonePtr(o.RemainingCount)
	c.CompletedAt = clonePtr(o.CompletedAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
