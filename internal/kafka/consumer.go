package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/segmentio/kafka-go"
)

type (
	Message = kafka.Message
	Header  = kafka.Header
)

// Consumer reads one job topic as part of a consumer group. Offsets are
// committed explicitly after a job is handled.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumer(c config.KafkaConfig, topic, groupID string) *Consumer {
	minBytes := c.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	maxBytes := c.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20 // 10MB
	}
	if groupID == "" {
		groupID = c.GroupID
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.Brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: minBytes,
		MaxBytes: maxBytes,
		// 0 = synchronous commit per job
		CommitInterval: time.Duration(c.CommitInterval) * time.Millisecond,
		MaxWait:        250 * time.Millisecond,
	})
	return &Consumer{r: r}
}

func (c *Consumer) Topic() string { return c.r.Config().Topic }

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
