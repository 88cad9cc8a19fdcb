// Package lifecycle owns the state of a local order and keeps it in step with
// the upstream panel.
package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/pricing"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

const (
	defaultParallelism = 4
	multiStatusChunk   = 100

	ReasonSync   = "sync"
	ReasonCancel = "cancel"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider is the part of the panel client the engine drives.
type Provider interface {
	PlaceOrder(ctx context.Context, serviceID int64, link string, quantity int64, extra provider.Params) (provider.AddResult, error)
	Status(ctx context.Context, orderID int64) (provider.OrderStatus, error)
	MultiStatus(ctx context.Context, ids []int64) ([]provider.StatusItem, error)
	Refill(ctx context.Context, orderID int64) (provider.RefillResult, error)
	Cancel(ctx context.Context, ids []int64) ([]provider.CancelItem, error)
	Balance(ctx context.Context) (provider.Balance, error)
}

// ServiceResolver finds a service by local id, returning orders.ErrNotFound when absent.
type ServiceResolver interface {
	GetService(ctx context.Context, id int64) (*orders.Service, error)
}

// UserResolver looks up the account an order is placed for, returning
// orders.ErrNotFound when absent.
type UserResolver interface {
	GetUser(ctx context.Context, id int64) (*orders.User, error)
}

// Events receives lifecycle events once the order row is written.
type Events interface {
	Emit(ctx context.Context, env orders.Envelope) error
}

type Engine struct {
	provider    Provider
	services    ServiceResolver
	users       UserResolver
	store       orders.OrderStore
	policy      pricing.Policy
	events      Events
	log         *zap.Logger
	now         func() time.Time
	parallelism int
	producer    string
}

type Option func(*Engine)

// WithUsers makes PlaceOrder reject user ids with no account before the
// provider is called.
func WithUsers(u UserResolver) Option { return func(e *Engine) { e.users = u } }

func WithEvents(ev Events) Option { return func(e *Engine) { e.events = ev } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithParallelism bounds concurrent provider calls in BulkSync.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

func WithProducer(name string) Option { return func(e *Engine) { e.producer = name } }

func New(p Provider, services ServiceResolver, store orders.OrderStore, policy pricing.Policy, opts ...Option) *Engine {
	e := &Engine{
		provider:    p,
		services:    services,
		store:       store,
		policy:      policy,
		log:         zap.L(),
		now:         func() time.Time { return time.Now().UTC() },
		parallelism: defaultParallelism,
		producer:    "smm-api",
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type PlaceOrderInput struct {
	UserID    int64
	ServiceID int64
	Link      string
	Quantity  int64
	Extra     provider.Params
}

// ActionResult is the outcome of a refill or cancel request. A declined
// request is reported here, not as an error.
type ActionResult struct {
	OK       bool          `json:"ok"`
	Message  string        `json:"message,omitempty"`
	RefillID int64         `json:"refill_id,omitempty"`
	Order    *orders.Order `json:"order,omitempty"`
}

type SyncOutcome struct {
	OrderID int64         `json:"order_id"`
	Order   *orders.Order `json:"order,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// PlaceOrder validates the request, submits it upstream and records the
// accepted order as pending. Nothing is stored unless the panel returns an id.
// A *NotRecorded error means the panel took the order but the write failed.
func (e *Engine) PlaceOrder(ctx context.Context, in PlaceOrderInput) (*orders.Order, error) {
	in.Link = strings.TrimSpace(in.Link)
	switch {
	case in.UserID <= 0:
		return nil, invalid("user id is required")
	case in.ServiceID <= 0:
		return nil, invalid("service id is required")
	case in.Link == "":
		return nil, invalid("link is required")
	case in.Quantity <= 0:
		return nil, invalid("quantity must be positive")
	}

	if e.users != nil {
		_, err := e.users.GetUser(ctx, in.UserID)
		if errors.Is(err, orders.ErrNotFound) {
			return nil, errors.Wrapf(ErrUserNotFound, "user %d", in.UserID)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "resolve user %d", in.UserID)
		}
	}

	svc, err := e.services.GetService(ctx, in.ServiceID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, errors.Wrapf(ErrServiceNotFound, "service %d", in.ServiceID)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "resolve service %d", in.ServiceID)
	}
	if svc.ExternalID <= 0 || !svc.Active {
		return nil, errors.Wrapf(ErrServiceUnavailable, "service %d", svc.ID)
	}
	if in.Quantity < svc.MinQuantity || in.Quantity > svc.MaxQuantity {
		return nil, invalid("quantity %d outside [%d, %d]", in.Quantity, svc.MinQuantity, svc.MaxQuantity)
	}

	total := e.policy.Price(svc.Rate, in.Quantity)
	if total == 0 {
		total = pricing.Scale(svc.Price, in.Quantity)
	}

	res, err := e.provider.PlaceOrder(ctx, svc.ExternalID, in.Link, in.Quantity, in.Extra)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) {
			return nil, &ProviderRejected{Message: perr.Message}
		}
		return nil, errors.WithMessage(err, "submit order upstream")
	}
	if res.OrderID <= 0 {
		return nil, &ProviderRejected{Message: "provider did not return an order id"}
	}

	o := &orders.Order{
		UserID:          in.UserID,
		ServiceID:       svc.ID,
		Link:            in.Link,
		Quantity:        in.Quantity,
		TotalPrice:      total,
		Status:          orders.StatusPending,
		ExternalOrderID: &res.OrderID,
		Charge:          optional(res.Charge),
		Currency:        optional(res.Currency),
		CreatedAt:       e.now(),
	}
	if err := e.store.CreateOrder(ctx, o); err != nil {
		// the panel has the order but we do not; keep its id in the log
		e.log.Error("persist accepted order",
			zap.Int64("external_order_id", res.OrderID),
			zap.Int64("user_id", in.UserID),
			zap.Error(err))
		return nil, &NotRecorded{ExternalOrderID: res.OrderID, Err: err}
	}
	e.log.Info("order placed",
		zap.Int64("order_id", o.ID),
		zap.Int64("external_order_id", res.OrderID),
		zap.Int64("total_price", total))

	e.emit(ctx, o.ID, orders.EventOrderPlaced, orders.OrderPlacedPayload{
		OrderID:         o.ID,
		UserID:          o.UserID,
		ServiceID:       o.ServiceID,
		ExternalOrderID: res.OrderID,
		Quantity:        o.Quantity,
		TotalPrice:      o.TotalPrice,
		Status:          o.Status,
	})
	return o, nil
}

// SyncStatus pulls the upstream status of one order. Upstream failures are
// logged and the stored order is returned unchanged.
func (e *Engine) SyncStatus(ctx context.Context, orderID int64) (*orders.Order, error) {
	o, err := e.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.HasUpstream() {
		return o, nil
	}
	st, err := e.provider.Status(ctx, *o.ExternalOrderID)
	if err != nil {
		e.log.Warn("order sync failed",
			zap.Int64("order_id", o.ID),
			zap.Int64("external_order_id", *o.ExternalOrderID),
			zap.Error(err))
		return o, nil
	}
	return e.applyAndSave(ctx, o, st.Status, st.StartCount, st.Remains)
}

// BulkSync runs SyncStatus for each id. One id failing never affects the
// others, and outcomes come back in input order.
func (e *Engine) BulkSync(ctx context.Context, ids []int64) []SyncOutcome {
	out := make([]SyncOutcome, len(ids))
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out[i] = SyncOutcome{OrderID: id}
			o, err := e.SyncStatus(ctx, id)
			if err != nil {
				out[i].Err = err.Error()
				return nil
			}
			out[i].Order = o
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ReconcileOpen syncs up to limit open orders using the panel's multi-status
// call. Items the panel could not report on keep their stored state and carry
// the reason in Err. Every polled order moves to the back of the queue, so a
// backlog larger than limit is walked across successive calls.
func (e *Engine) ReconcileOpen(ctx context.Context, limit int) ([]SyncOutcome, error) {
	open, err := e.store.ListOpenOrders(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list open orders")
	}
	out := make([]SyncOutcome, 0, len(open))
	for start := 0; start < len(open); start += multiStatusChunk {
		end := start + multiStatusChunk
		if end > len(open) {
			end = len(open)
		}
		chunk := open[start:end]
		ext := make([]int64, len(chunk))
		for i := range chunk {
			ext[i] = *chunk[i].ExternalOrderID
		}

		items, err := e.provider.MultiStatus(ctx, ext)
		e.markPolled(ctx, chunk)
		if err != nil {
			e.log.Warn("multi-status failed", zap.Int("orders", len(chunk)), zap.Error(err))
			for i := range chunk {
				o := chunk[i]
				out = append(out, SyncOutcome{OrderID: o.ID, Order: &o, Err: err.Error()})
			}
			continue
		}
		for i := range chunk {
			o := chunk[i]
			oc := SyncOutcome{OrderID: o.ID}
			it := items[i]
			if it.Error != "" {
				oc.Order, oc.Err = &o, it.Error
				out = append(out, oc)
				continue
			}
			updated, err := e.applyAndSave(ctx, &o, it.Status, it.StartCount, it.Remains)
			if err != nil {
				oc.Order, oc.Err = &o, err.Error()
			} else {
				oc.Order = updated
			}
			out = append(out, oc)
		}
	}
	return out, nil
}

// RefillOrder asks the panel to refill a delivered order. The local status
// does not change.
func (e *Engine) RefillOrder(ctx context.Context, orderID int64) (ActionResult, error) {
	o, err := e.load(ctx, orderID)
	if err != nil {
		return ActionResult{}, err
	}
	if err := e.gate(ctx, o, func(s *orders.Service) bool { return s.RefillSupported }, ErrRefillUnsupported); err != nil {
		return ActionResult{}, err
	}

	res, err := e.provider.Refill(ctx, *o.ExternalOrderID)
	if err != nil {
		e.log.Info("refill declined", zap.Int64("order_id", o.ID), zap.Error(err))
		return ActionResult{OK: false, Message: providerMessage(err), Order: o}, nil
	}
	e.emit(ctx, o.ID, orders.EventOrderRefillRequested, orders.OrderRefillRequestedPayload{
		OrderID:         o.ID,
		ExternalOrderID: *o.ExternalOrderID,
		RefillID:        res.RefillID,
	})
	return ActionResult{OK: true, RefillID: res.RefillID, Order: o}, nil
}

// CancelOrder asks the panel to cancel and, when it agrees, moves the order
// to cancelled unless it already reached a terminal state.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) (ActionResult, error) {
	o, err := e.load(ctx, orderID)
	if err != nil {
		return ActionResult{}, err
	}
	if err := e.gate(ctx, o, func(s *orders.Service) bool { return s.CancelSupported }, ErrCancelUnsupported); err != nil {
		return ActionResult{}, err
	}

	items, err := e.provider.Cancel(ctx, []int64{*o.ExternalOrderID})
	if err != nil {
		e.log.Info("cancel declined", zap.Int64("order_id", o.ID), zap.Error(err))
		return ActionResult{OK: false, Message: providerMessage(err), Order: o}, nil
	}
	if len(items) == 0 || !items[0].OK {
		msg := "provider did not confirm the cancel"
		if len(items) > 0 && items[0].Error != "" {
			msg = items[0].Error
		}
		return ActionResult{OK: false, Message: msg, Order: o}, nil
	}

	if o.Status.Terminal() || !orders.CanTransition(o.Status, orders.StatusCancelled) {
		return ActionResult{OK: true, Order: o}, nil
	}
	from := o.Status
	o.Status = orders.StatusCancelled
	if err := e.store.UpdateOrder(ctx, o); err != nil {
		if errors.Is(err, orders.ErrTerminal) {
			cur, lerr := e.load(ctx, o.ID)
			if lerr != nil {
				return ActionResult{}, lerr
			}
			return ActionResult{OK: true, Order: cur}, nil
		}
		return ActionResult{}, errors.Wrapf(err, "persist cancel of order %d", o.ID)
	}
	e.emitStatus(ctx, o, from, ReasonCancel)
	return ActionResult{OK: true, Order: o}, nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID int64) (*orders.Order, error) {
	return e.load(ctx, orderID)
}

func (e *Engine) ListOrders(ctx context.Context, userID int64) ([]orders.Order, error) {
	list, err := e.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list orders of user %d", userID)
	}
	if list == nil {
		list = []orders.Order{}
	}
	return list, nil
}

func (e *Engine) ProviderBalance(ctx context.Context) (provider.Balance, error) {
	b, err := e.provider.Balance(ctx)
	if err != nil {
		return provider.Balance{}, errors.WithMessage(err, "provider balance")
	}
	return b, nil
}

// ---- internals ----

func (e *Engine) markPolled(ctx context.Context, chunk []orders.Order) {
	ids := make([]int64, len(chunk))
	for i := range chunk {
		ids[i] = chunk[i].ID
	}
	if err := e.store.MarkPolled(ctx, ids); err != nil {
		e.log.Warn("mark orders polled", zap.Int("orders", len(ids)), zap.Error(err))
	}
}

func (e *Engine) load(ctx context.Context, orderID int64) (*orders.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, errors.Wrapf(ErrOrderNotFound, "order %d", orderID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load order %d", orderID)
	}
	return o, nil
}

// gate checks the capability flag of the order's service. No provider order
// call happens when it fails.
func (e *Engine) gate(ctx context.Context, o *orders.Order, allowed func(*orders.Service) bool, unsupported error) error {
	if !o.HasUpstream() {
		return errors.Wrapf(unsupported, "order %d has no upstream id", o.ID)
	}
	svc, err := e.services.GetService(ctx, o.ServiceID)
	if errors.Is(err, orders.ErrNotFound) {
		return errors.Wrapf(unsupported, "service %d no longer exists", o.ServiceID)
	}
	if err != nil {
		return errors.WithMessagef(err, "resolve service %d", o.ServiceID)
	}
	if !allowed(svc) {
		return errors.Wrapf(unsupported, "service %d", svc.ID)
	}
	return nil
}

// applyAndSave folds an upstream status report into o and writes it when
// anything moved. Terminal states never change.
func (e *Engine) applyAndSave(ctx context.Context, o *orders.Order, upstream string, start, remains *int64) (*orders.Order, error) {
	from := o.Status
	changed := false

	if to, ok := MapUpstreamStatus(upstream); ok && to != o.Status {
		switch {
		case o.Status.Terminal():
			e.log.Debug("ignoring status for terminal order",
				zap.Int64("order_id", o.ID), zap.String("local", string(o.Status)), zap.String("upstream", upstream))
		case orders.CanTransition(o.Status, to):
			o.Status = to
			changed = true
		}
	}
	if start != nil && (o.StartCount == nil || *o.StartCount != *start) {
		v := *start
		o.StartCount = &v
		changed = true
	}
	if remains != nil && (o.RemainingCount == nil || *o.RemainingCount != *remains) {
		v := *remains
		o.RemainingCount = &v
		changed = true
	}
	if o.Status == orders.StatusCompleted && o.CompletedAt == nil {
		now := e.now()
		o.CompletedAt = &now
		changed = true
	}
	if !changed {
		return o, nil
	}

	if err := e.store.UpdateOrder(ctx, o); err != nil {
		if errors.Is(err, orders.ErrTerminal) {
			// a concurrent cancel or sync finished the order first
			return e.load(ctx, o.ID)
		}
		return nil, errors.Wrapf(err, "persist sync of order %d", o.ID)
	}
	if o.Status != from {
		e.log.Info("order status changed",
			zap.Int64("order_id", o.ID), zap.String("from", string(from)), zap.String("to", string(o.Status)))
		e.emitStatus(ctx, o, from, ReasonSync)
	}
	return o, nil
}

func (e *Engine) emitStatus(ctx context.Context, o *orders.Order, from orders.Status, reason string) {
	e.emit(ctx, o.ID, orders.EventOrderStatusChanged, orders.OrderStatusChangedPayload{
		OrderID:        o.ID,
		From:           from,
		To:             o.Status,
		StartCount:     o.StartCount,
		RemainingCount: o.RemainingCount,
		CompletedAt:    o.CompletedAt,
		Reason:         reason,
	})
}

// emit never fails the operation; the row is already the source of truth.
func (e *Engine) emit(ctx context.Context, orderID int64, eventType string, payload any) {
	if e.events == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    e.now(),
		Producer:      e.producer,
		CorrelationID: strconv.FormatInt(orderID, 10),
		Payload:       b,
	}
	if err := e.events.Emit(ctx, env); err != nil {
		e.log.Warn("emit event",
			zap.String("event_type", eventType), zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func providerMessage(err error) string {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
