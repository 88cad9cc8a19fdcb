package lifecycle

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation         = errors.New("invalid order request")
	ErrUserNotFound       = errors.New("user not found")
	ErrServiceNotFound    = errors.New("service not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrServiceUnavailable = errors.New("service is not available for ordering")
	ErrRefillUnsupported  = errors.New("refill is not supported for this order")
	ErrCancelUnsupported  = errors.New("cancel is not supported for this order")
)

// ProviderRejected means the upstream declined the request. Message is the
// upstream's own text.
type ProviderRejected struct {
	Message string
}

func (e *ProviderRejected) Error() string { return fmt.Sprintf("provider rejected: %s", e.Message) }

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// NotRecorded means the panel accepted an order that could not be stored
// locally. Retrying the placement would buy it twice.
type NotRecorded struct {
	ExternalOrderID int64
	Err             error
}

func (e *NotRecorded) Error() string {
	return fmt.Sprintf("upstream order %d accepted but not recorded: %v", e.ExternalOrderID, e.Err)
}

func (e *NotRecorded) Unwrap() error { return e.Err }
