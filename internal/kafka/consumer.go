package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler must return nil only when the message was processed and its
// offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	r        *kafka.Reader
	workers  int
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

func NewConsumer(brokers []string, group string, topics []string, workers int, logger *zap.Logger) *Consumer {
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
	return &Consumer{r: r, workers: workers, attempts: 3, backoff: 200 * time.Millisecond, logger: logger}
}

// Start fetches messages and hands them to a worker pool until ctx is done.
// Messages of one partition always go to the same worker, so offsets are
// committed in order. A message that still fails after the retries is
// logged and committed; handlers must tolerate that loss.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
	}
	closeJobs := func() {
		for _, ch := range jobs {
			close(ch)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for m := range jobs[id] {
				if !c.handle(ctx, h, m) && ctx.Err() != nil {
					continue // shutting down: leave it uncommitted
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					c.logger.Warn("commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(i)
	}
	defer wg.Wait()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			closeJobs()
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			closeJobs()
			return nil
		}
	}
}

// handle runs h with bounded retries and reports whether it succeeded.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return true
		}
		fields := []zap.Field{
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		}
		if attempt >= c.attempts {
			c.logger.Error("dropping message after retries", fields...)
			return false
		}
		c.logger.Warn("handle message", fields...)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * c.backoff):
		}
	}
}
