// Package projector keeps the Redis order-status cache in step with the
// lifecycle events on the bus.
package projector

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-smm-orders/internal/kafka"
	"github.com/ariefcatur/go-smm-orders/internal/orders"
	"github.com/ariefcatur/go-smm-orders/internal/redisx"
)

// Topics the projector subscribes to.
var Topics = []string{orders.TopicOrderPlaced, orders.TopicOrderStatusChanged, orders.TopicOrderRefillRequested}

type SnapshotWriter interface {
	PutIfNewer(ctx context.Context, snap orders.StatusSnapshot) (bool, error)
}

type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// RedisDedup remembers handled event ids per consumer name.
type RedisDedup struct {
	RDB      redis.Cmdable
	Consumer string
}

func (d RedisDedup) FirstSeen(ctx context.Context, eventID string) (bool, error) {
	return redisx.FirstSeen(ctx, d.RDB, d.Consumer, eventID)
}

func (d RedisDedup) Forget(ctx context.Context, eventID string) error {
	return redisx.Forget(ctx, d.RDB, d.Consumer, eventID)
}

type Service struct {
	Cache SnapshotWriter
	Dedup Deduper
}

// Handle is the consumer handler. Returning an error leaves the offset
// uncommitted and clears the dedup mark so redelivery is processed.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// poison message: nothing later will make it decodable
		zap.L().Warn("drop undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}

	first, err := s.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	if err := s.apply(ctx, env); err != nil {
		_ = s.Dedup.Forget(ctx, env.EventID)
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	var snap orders.StatusSnapshot
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return err
		}
		snap = orders.StatusSnapshot{OrderID: p.OrderID, Status: p.Status, UpdatedAt: env.OccurredAt}
	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return err
		}
		snap = orders.StatusSnapshot{
			OrderID:        p.OrderID,
			Status:         p.To,
			StartCount:     p.StartCount,
			RemainingCount: p.RemainingCount,
			CompletedAt:    p.CompletedAt,
			UpdatedAt:      env.OccurredAt,
		}
	case orders.EventOrderRefillRequested:
		zap.L().Info("refill requested", zap.String("order_id", env.CorrelationID))
		return nil
	default:
		return nil
	}

	wrote, err := s.Cache.PutIfNewer(ctx, snap)
	if err != nil {
		return err
	}
	zap.L().Debug("status projected",
		zap.String("order_id", strconv.FormatInt(snap.OrderID, 10)),
		zap.String("status", string(snap.Status)),
		zap.Bool("written", wrote))
	return nil
}
