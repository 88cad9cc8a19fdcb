package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Publisher writes one message to the bus and returns once it is acknowledged.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Broadcaster struct {
	store       *Store
	pub         Publisher
	interval    time.Duration
	batch       int
	maxAttempts uint32
}

func NewBroadcaster(store *Store, pub Publisher, interval time.Duration) *Broadcaster {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{store: store, pub: pub, interval: interval, batch: 256, maxAttempts: 50}
}

// Run drains the outbox every interval until ctx ends.
func (b *Broadcaster) Run(ctx context.Context) {
	zap.L().Info("outbox broadcaster started", zap.Duration("interval", b.interval))
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("outbox broadcaster stopped")
			return
		case <-t.C:
			if _, err := b.Flush(ctx); err != nil && ctx.Err() == nil {
				zap.L().Warn("outbox flush", zap.Error(err))
			}
		}
	}
}

// Flush publishes pending records once and returns how many were delivered.
// SENT records are included: they were in flight when the process stopped.
func (b *Broadcaster) Flush(ctx context.Context) (int, error) {
	var pending []Record
	err := b.store.Scan(b.batch, func(r Record) error {
		pending = append(pending, r)
		return nil
	}, StateNew, StateSent)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		attempts := r.Attempts + 1
		if err := b.store.Mark(r.Seq, StateSent, attempts); err != nil {
			return sent, err
		}
		if err := b.pub.Publish(ctx, r.Topic, r.Key, r.Value); err != nil {
			next := StateNew
			if attempts >= b.maxAttempts {
				next = StateFailed
				zap.L().Error("outbox record parked",
					zap.Uint64("seq", r.Seq), zap.String("topic", r.Topic), zap.Uint32("attempts", attempts), zap.Error(err))
			}
			if merr := b.store.Mark(r.Seq, next, attempts); merr != nil {
				return sent, merr
			}
			// keep per-key order: stop at the first failure
			return sent, err
		}
		if err := b.store.Ack(r.Seq); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
