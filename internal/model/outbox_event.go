package model

import "time"

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
)

// OutboxEvent is a not-yet-published (or already published) message in the outbox ledger.
type OutboxEvent struct {
	ID            int64        `db:"id"`
	AggregateType string       `db:"aggregate_type"` // e.g. "saga", "payment"
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	EventID       string       `db:"event_id"`
	Topic         string       `db:"topic"`
	MessageKey    string       `db:"message_key"` // kafka partition key (order id)
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	Attempts      int          `db:"attempts"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// OutboundMessage is what business code records; the row fields are filled by the store.
type OutboundMessage struct {
	AggregateType string
	AggregateID   string
	EventType     string
	EventID       string
	Topic         string
	MessageKey    string
	Payload       []byte
}
