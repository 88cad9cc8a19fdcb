package redisx

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-smm-orders/internal/orders"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb redis.Cmdable, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// ---- status cache ----

type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

// Get returns the cached snapshot; ok is false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID int64) (snap orders.StatusSnapshot, ok bool, err error) {
	b, err := c.rdb.Get(ctx, OrderStatusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, errors.Wrap(err, "status cache get")
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		// a bad entry is a miss; the next write replaces it
		return snap, false, nil
	}
	return snap, true, nil
}

func (c *StatusCache) Put(ctx context.Context, snap orders.StatusSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return errors.Wrap(c.rdb.Set(ctx, OrderStatusKey(snap.OrderID), b, c.ttl).Err(), "status cache put")
}

// PutIfNewer writes snap unless the cached entry is more recent. Events may
// arrive out of order across consumer workers.
func (c *StatusCache) PutIfNewer(ctx context.Context, snap orders.StatusSnapshot) (bool, error) {
	cur, ok, err := c.Get(ctx, snap.OrderID)
	if err != nil {
		return false, err
	}
	if ok && cur.UpdatedAt.After(snap.UpdatedAt) {
		return false, nil
	}
	return true, c.Put(ctx, snap)
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID int64) error {
	return c.rdb.Del(ctx, OrderStatusKey(orderID)).Err()
}

// ---- idempotency ----

type Idempotency struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency {
	return &Idempotency{rdb: rdb, ttl: TTLIdempotency}
}

// Reserve claims key for a create-order request. When the key was used before
// it returns the order id recorded for it (0 while that request is still in
// flight) and reserved=false.
func (i *Idempotency) Reserve(ctx context.Context, userID int64, key string) (orderID int64, reserved bool, err error) {
	k := IdemOrderCreateKey(userID, key)
	ok, err := i.rdb.SetNX(ctx, k, "", i.ttl).Result()
	if err != nil {
		return 0, false, errors.Wrap(err, "idempotency reserve")
	}
	if ok {
		return 0, true, nil
	}
	v, err := i.rdb.Get(ctx, k).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, errors.Wrap(err, "idempotency lookup")
	}
	id, _ := strconv.ParseInt(v, 10, 64)
	return id, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, userID int64, key string, orderID int64) error {
	return i.rdb.Set(ctx, IdemOrderCreateKey(userID, key), strconv.FormatInt(orderID, 10), i.ttl).Err()
}

// Release frees a reservation whose request failed, so the client may retry.
func (i *Idempotency) Release(ctx context.Context, userID int64, key string) error {
	return i.rdb.Del(ctx, IdemOrderCreateKey(userID, key)).Err()
}

// ---- dedup ----

// FirstSeen marks eventID as processed by consumer and reports whether this is
// the first time.
func FirstSeen(ctx context.Context, rdb redis.Cmdable, consumer, eventID string) (bool, error) {
	ok, err := rdb.SetNX(ctx, DedupKey(consumer, eventID), 1, TTLDedup).Result()
	return ok, errors.Wrap(err, "dedup")
}

// Forget undoes FirstSeen so a failed event is processed again on redelivery.
func Forget(ctx context.Context, rdb redis.Cmdable, consumer, eventID string) error {
	return rdb.Del(ctx, DedupKey(consumer, eventID)).Err()
}
