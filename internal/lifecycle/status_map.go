package lifecycle

import (
	"strings"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
)

// upstreamStatus maps the panel's status vocabulary onto local states.
// "Partial" is left out on purpose: the order stays where it is and only the
// counters move. Anything not listed is a no-op.
var upstreamStatus = map[string]orders.Status{
	"Pending":     orders.StatusPending,
	"In progress": orders.StatusProcessing,
	"Processing":  orders.StatusProcessing,
	"Completed":   orders.StatusCompleted,
	"Canceled":    orders.StatusCancelled,
}

// MapUpstreamStatus returns the local state for an upstream status string.
func MapUpstreamStatus(s string) (orders.Status, bool) {
	st, ok := upstreamStatus[strings.TrimSpace(s)]
	return st, ok
}
