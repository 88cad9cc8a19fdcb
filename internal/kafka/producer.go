package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Producer writes synchronously; the outbox owns buffering and redelivery.
// The writer has no default topic, every message names its own.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Publish blocks until the brokers acknowledge the message. Messages with the
// same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
	return errors.Wrapf(err, "kafka write %s", topic)
}

func (p *Producer) Close() error { return p.w.Close() }
