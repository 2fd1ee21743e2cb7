// Package kafka publishes ledger events to a Kafka topic.
//
// The Publisher is a Tally plugin: every committed entry, skip, rate
// change, reset, and wipe becomes one JSON message keyed by group ID.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/rate"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "tally.events"

// Event types.
const (
	EventEntryRecorded = "entry.recorded"
	EventEntrySkipped  = "entry.skipped"
	EventRatesChanged  = "rates.changed"
	EventPeriodReset   = "period.reset"
	EventGroupWiped    = "group.wiped"
)

var (
	_ plugin.Plugin          = (*Publisher)(nil)
	_ plugin.OnShutdown      = (*Publisher)(nil)
	_ plugin.OnEntryRecorded = (*Publisher)(nil)
	_ plugin.OnEntrySkipped  = (*Publisher)(nil)
	_ plugin.OnRatesChanged  = (*Publisher)(nil)
	_ plugin.OnPeriodReset   = (*Publisher)(nil)
	_ plugin.OnGroupWiped    = (*Publisher)(nil)
)

// Event is the message payload.
type Event struct {
	ID          id.EventID    `json:"id"`
	Type        string        `json:"type"`
	GroupID     string        `json:"group_id"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Entry       *oplog.Entry  `json:"entry,omitempty"`
	Target      *oplog.Entry  `json:"target,omitempty"`
	Rates       *rate.Context `json:"rates,omitempty"`
	PeriodStart *time.Time    `json:"period_start,omitempty"`
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes ledger events to Kafka.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a publisher writing to topic on brokers. Messages
// are keyed by group ID and hashed to partitions, so one group's events
// keep their order.
func NewPublisher(brokers []string, topic string, opts ...Option) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, opts...)
}

func newPublisher(w messageWriter, opts ...Option) *Publisher {
	p := &Publisher{
		writer: w,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "kafka-publisher" }

// OnShutdown implements plugin.OnShutdown.
func (p *Publisher) OnShutdown(_ context.Context) error {
	return p.writer.Close()
}

// OnEntryRecorded implements plugin.OnEntryRecorded.
func (p *Publisher) OnEntryRecorded(ctx context.Context, v interface{}) error {
	en, ok := v.(*oplog.Entry)
	if !ok {
		return nil
	}
	return p.publish(ctx, &Event{Type: EventEntryRecorded, GroupID: en.GroupID, Entry: en})
}

// OnEntrySkipped implements plugin.OnEntrySkipped.
func (p *Publisher) OnEntrySkipped(ctx context.Context, target, audit interface{}) error {
	tgt, ok := target.(*oplog.Entry)
	if !ok {
		return nil
	}
	skip, _ := audit.(*oplog.Entry) //nolint:errcheck // nil skip entry is omitted from the payload
	return p.publish(ctx, &Event{Type: EventEntrySkipped, GroupID: tgt.GroupID, Entry: skip, Target: tgt})
}

// OnRatesChanged implements plugin.OnRatesChanged.
func (p *Publisher) OnRatesChanged(ctx context.Context, groupID string, v interface{}) error {
	rates, ok := v.(rate.Context)
	if !ok {
		return nil
	}
	return p.publish(ctx, &Event{Type: EventRatesChanged, GroupID: groupID, Rates: &rates})
}

// OnPeriodReset implements plugin.OnPeriodReset.
func (p *Publisher) OnPeriodReset(ctx context.Context, groupID string, periodStart time.Time) error {
	return p.publish(ctx, &Event{Type: EventPeriodReset, GroupID: groupID, PeriodStart: &periodStart})
}

// OnGroupWiped implements plugin.OnGroupWiped.
func (p *Publisher) OnGroupWiped(ctx context.Context, groupID string) error {
	return p.publish(ctx, &Event{Type: EventGroupWiped, GroupID: groupID})
}

func (p *Publisher) publish(ctx context.Context, evt *Event) error {
	evt.ID = id.NewEventID()
	evt.OccurredAt = p.now().UTC()

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", evt.Type, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.GroupID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
		Time: evt.OccurredAt,
	})
	if err != nil {
		p.logger.Warn("kafka: publish failed",
			"type", evt.Type,
			"group", evt.GroupID,
			"error", err,
		)
		return fmt.Errorf("kafka: publish %s: %w", evt.Type, err)
	}
	return nil
}
