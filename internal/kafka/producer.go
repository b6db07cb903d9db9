package kafka

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
)

// Record is one message handed to a Publisher.
type Record struct {
	Topic     string
	Key       string
	EventType string
	EventID   string
	Value     []byte
}

// Publisher delivers a record and returns only once the broker acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration // default 10s
	Attempts     uint          // default 3
}

// Producer writes to any topic; records with the same key land on the same partition.
type Producer struct {
	w        *kafka.Writer
	attempts uint
}

func NewProducer(c ProducerConfig) *Producer {
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 3
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(c.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: wt,
		BatchTimeout: 5 * time.Millisecond,
		// retries are driven by retry-go so the attempt count is visible to callers
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
	}
	return &Producer{w: w, attempts: attempts}
}

func toMessage(rec Record) kafka.Message {
	return kafka.Message{
		Topic: rec.Topic,
		Key:   []byte(rec.Key),
		Value: rec.Value,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(rec.EventType)},
			{Key: HeaderEventID, Value: []byte(rec.EventID)},
		},
	}
}

func (p *Producer) Publish(ctx context.Context, rec Record) error {
	msg := toMessage(rec)
	return retry.Do(
		func() error { return p.w.WriteMessages(ctx, msg) },
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

func (p *Producer) Close() error { return p.w.Close() }
