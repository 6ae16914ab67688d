package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/queue"
)

// KafkaPublisher writes events to a topic keyed by audience, so every event
// for one user or one lot lands on the same partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}
	l := logger.OrNop(log).With("component", "notify", "driver", "kafka", "topic", topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...interface{}) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			l.SugaredLogger.Warnf(msg, args...)
		}),
	}
	return &KafkaPublisher{writer: w, log: l}, nil
}

// Message converts an event into the kafka message the publisher writes.
func Message(ev queue.Event) (kafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Audience),
		Value: body,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev queue.Event) error {
	msg, err := Message(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish failed", "error", err, "type", ev.Type)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
