package provider

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrMissingAPIKey   = errors.New("provider: api key is required")
	ErrInvalidArgument = errors.New("provider: invalid argument")
)

// Params carries extra add-order fields (runs, interval, comments, ...) passed
// through to the upstream verbatim.
type Params map[string]string

// Error is an {"error": "..."} answer. The message is kept as sent.
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("provider %s: %s", e.Action, e.Message) }

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Body)
}

type AddResult struct {
	OrderID  int64  `mapstructure:"order"`
	Charge   string `mapstructure:"charge"`
	Currency string `mapstructure:"currency"`
}

type OrderStatus struct {
	Status     string `mapstructure:"status"`
	StartCount *int64 `mapstructure:"start_count"`
	Remains    *int64 `mapstructure:"remains"`
	Charge     string `mapstructure:"charge"`
	Currency   string `mapstructure:"currency"`
	Error      string `mapstructure:"error"`
}

// StatusItem is one entry of a multi-status answer.
type StatusItem struct {
	OrderID     int64 `mapstructure:"order"`
	OrderStatus `mapstructure:",squash"`
}

type RefillResult struct {
	RefillID int64 `mapstructure:"refill"`
}

type RefillItem struct {
	OrderID  int64
	RefillID int64
	Error    string
}

type RefillStatus struct {
	RefillID int64
	Status   string
	Error    string
}

type CancelItem struct {
	OrderID int64
	OK      bool
	Error   string
}

// ServiceDescriptor is one row of the upstream catalog.
type ServiceDescriptor struct {
	Service     int64  `mapstructure:"service"`
	Name        string `mapstructure:"name"`
	Type        string `mapstructure:"type"`
	Category    string `mapstructure:"category"`
	Rate        string `mapstructure:"rate"`
	Min         string `mapstructure:"min"`
	Max         string `mapstructure:"max"`
	Description string `mapstructure:"description"`
	Refill      bool   `mapstructure:"refill"`
	Cancel      bool   `mapstructure:"cancel"`
}

type Balance struct {
	Balance  string `mapstructure:"balance" json:"balance"`
	Currency string `mapstructure:"currency" json:"currency"`
}
