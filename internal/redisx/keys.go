package redisx

import (
	"fmt"
	"time"
)

const (
	// idem:order:create:{user_id}:{idempotency_key} -> order_id ("" while in flight)
	keyIdemOrderCreate = "idem:order:create:%d:%s"

	// order_status:{order_id} -> StatusSnapshot JSON
	keyOrderStatus = "order_status:%d"

	// dedup:{consumer}:{event_id}
	keyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func IdemOrderCreateKey(userID int64, key string) string {
	return fmt.Sprintf(keyIdemOrderCreate, userID, key)
}

func OrderStatusKey(orderID int64) string { return fmt.Sprintf(keyOrderStatus, orderID) }

func DedupKey(consumer, eventID string) string { return fmt.Sprintf(keyDedup, consumer, eventID) }
