package orders

import "strconv"

const (
	TopicOrderPlaced          = "smm.order.placed"
	TopicOrderStatusChanged   = "smm.order.status"
	TopicOrderRefillRequested = "smm.order.refill"
)

// TopicFor routes an event type to its topic.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderPlaced:
		return TopicOrderPlaced
	case EventOrderRefillRequested:
		return TopicOrderRefillRequested
	default:
		return TopicOrderStatusChanged
	}
}

// Partition key = order_id, so all events of one order keep their order.
func PartitionKey(orderID int64) []byte { return []byte(strconv.FormatInt(orderID, 10)) }
