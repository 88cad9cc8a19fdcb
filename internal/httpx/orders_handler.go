package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-smm-orders/internal/lifecycle"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/provider"
)

const (
	headerUserID         = "X-User-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

type StatusCache interface {
	Get(ctx context.Context, orderID int64) (orders.StatusSnapshot, bool, error)
	PutIfNewer(ctx context.Context, snap orders.StatusSnapshot) (bool, error)
}

type Idempotency interface {
	Reserve(ctx context.Context, userID int64, key string) (orderID int64, reserved bool, err error)
	Complete(ctx context.Context, userID int64, key string, orderID int64) error
	Release(ctx context.Context, userID int64, key string) error
}

// OrdersHandler serves the order routes. Cache and Idem are optional.
type OrdersHandler struct {
	Engine *lifecycle.Engine
	Cache  StatusCache
	Idem   Idempotency
}

type PlaceOrderReq struct {
	ServiceID int64             `json:"service_id" validate:"required,gt=0"`
	Link      string            `json:"link" validate:"required,max=2048"`
	Quantity  int64             `json:"quantity" validate:"required,gt=0"`
	Extra     map[string]string `json:"extra,omitempty"`
}

type BulkSyncReq struct {
	OrderIDs []int64 `json:"order_ids" validate:"required,min=1,max=100,dive,gt=0"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.listOrders)
	r.Post("/orders", h.placeOrder)
	r.Post("/orders/sync", h.bulkSync)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/sync", h.syncOrder)
	r.Post("/orders/{id}/refill", h.refillOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
}

// callerID reads the authenticated user id set by the fronting proxy.
func callerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := cast.ToInt64E(strings.TrimSpace(r.Header.Get(headerUserID)))
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid "+headerUserID)
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := cast.ToInt64E(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "validation", "invalid order id")
		return 0, false
	}
	return id, true
}

// ownedOrder loads the order named in the path. Orders of other users answer
// 404 like missing ones.
func (h *OrdersHandler) ownedOrder(w http.ResponseWriter, r *http.Request) (*orders.Order, bool) {
	uid, ok := callerID(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	o, err := h.owned(r.Context(), uid, id)
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return o, true
}

func (h *OrdersHandler) owned(ctx context.Context, uid, id int64) (*orders.Order, error) {
	o, err := h.Engine.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.UserID != uid {
		return nil, errors.Wrapf(lifecycle.ErrOrderNotFound, "order %d", id)
	}
	return o, nil
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	list, err := h.Engine.ListOrders(r.Context(), uid)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var req PlaceOrderReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	ctx := r.Context()

	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key != "" && h.Idem != nil {
		prev, reserved, err := h.Idem.Reserve(ctx, uid, key)
		switch {
		case err != nil:
			// the key store is an accelerator; place without it
			zap.L().Warn("idempotency reserve", zap.Error(err))
			key = ""
		case !reserved && prev > 0:
			o, err := h.Engine.GetOrder(ctx, prev)
			if err != nil {
				writeFailure(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, o)
			return
		case !reserved:
			writeError(w, http.StatusConflict, "in_progress", "an order with this idempotency key is being placed")
			return
		}
	} else {
		key = ""
	}

	o, err := h.Engine.PlaceOrder(ctx, lifecycle.PlaceOrderInput{
		UserID:    uid,
		ServiceID: req.ServiceID,
		Link:      req.Link,
		Quantity:  req.Quantity,
		Extra:     provider.Params(req.Extra),
	})
	if err != nil {
		// keep the key when the provider already has the order
		var lost *lifecycle.NotRecorded
		if key != "" && !errors.As(err, &lost) {
			_ = h.Idem.Release(context.WithoutCancel(ctx), uid, key)
		}
		writeFailure(w, r, err)
		return
	}
	if key != "" {
		if err := h.Idem.Complete(ctx, uid, key, o.ID); err != nil {
			zap.L().Warn("idempotency complete", zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}
	h.cache(ctx, o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus answers from the status cache and falls back to the store.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if h.Cache != nil {
		snap, hit, err := h.Cache.Get(ctx, id)
		if err != nil {
			zap.L().Warn("status cache get", zap.Int64("order_id", id), zap.Error(err))
		} else if hit {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	o, err := h.Engine.GetOrder(ctx, id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	h.cache(ctx, o)
	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, orders.SnapshotOf(*o))
}

func (h *OrdersHandler) syncOrder(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	o, err := h.Engine.SyncStatus(r.Context(), cur.ID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	h.cache(r.Context(), o)
	writeJSON(w, http.StatusOK, o)
}

// bulkSync syncs the caller's orders among the ids. Foreign ids come back as
// not found without reaching the provider.
func (h *OrdersHandler) bulkSync(w http.ResponseWriter, r *http.Request) {
	uid, ok := callerID(w, r)
	if !ok {
		return
	}
	var req BulkSyncReq
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	ctx := r.Context()

	out := make([]lifecycle.SyncOutcome, len(req.OrderIDs))
	var mine []int64
	var at []int
	for i, id := range req.OrderIDs {
		if _, err := h.owned(ctx, uid, id); err != nil {
			out[i] = lifecycle.SyncOutcome{OrderID: id, Err: err.Error()}
			continue
		}
		mine = append(mine, id)
		at = append(at, i)
	}
	for j, oc := range h.Engine.BulkSync(ctx, mine) {
		out[at[j]] = oc
		if oc.Order != nil {
			h.cache(ctx, oc.Order)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) refillOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.RefillOrder(r.Context(), o.ID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.ownedOrder(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.CancelOrder(r.Context(), o.ID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if res.Order != nil {
		h.cache(r.Context(), res.Order)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) cache(ctx context.Context, o *orders.Order) {
	if h.Cache == nil || o == nil {
		return
	}
	if _, err := h.Cache.PutIfNewer(ctx, orders.SnapshotOf(*o)); err != nil {
		zap.L().Warn("status cache put", zap.Int64("order_id", o.ID), zap.Error(errors.Cause(err)))
	}
}
