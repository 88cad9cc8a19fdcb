package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is fully processed and its offset
// may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

const (
	retryBase = 200 * time.Millisecond
	retryMax  = 5 * time.Second
)

type Consumer struct {
	r       *kafka.Reader
	workers int
}

func NewConsumer(brokers []string, group string, topics []string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers}
}

// Start fetches until ctx ends. Messages with the same key always go to the
// same worker, so one order's events are handled in log order. A failing
// message is retried with backoff and blocks its worker until it succeeds.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if !c.handle(ctx, h, m) {
					return
				}
			}
		}(lanes[i])
	}
	stop := func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		lane := lanes[xxhash.Sum64(m.Key)%uint64(len(lanes))]
		select {
		case lane <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle runs h until it succeeds, then commits. It reports false when ctx
// ended first.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	wait := retryBase
	for {
		err := h(ctx, m)
		if err == nil {
			break
		}
		zap.L().Warn("consumer handler failed",
			zap.String("topic", m.Topic), zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset), zap.Duration("retry_in", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		if wait *= 2; wait > retryMax {
			wait = retryMax
		}
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		if ctx.Err() != nil {
			return false
		}
		zap.L().Warn("commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return true
}
