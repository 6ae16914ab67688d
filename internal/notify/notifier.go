// Package notify delivers post-commit parking events to the configured
// sink.  Delivery is best effort: callers log a failed publish and move on,
// the committed state is never rolled back because of it.
package notify

import (
	"context"
	"fmt"

	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/queue"
)

// Notifier publishes events.
type Notifier interface {
	Publish(ctx context.Context, ev queue.Event) error
	Close() error
}

// New builds the notifier selected by cfg.Driver.
func New(cfg config.NotifyConfig, log *logger.Logger) (Notifier, error) {
	switch cfg.Driver {
	case "rabbitmq", "amqp", "":
		return NewAMQPPublisher(cfg.AMQPURL, cfg.Queue, log), nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	case "log":
		return NewLogPublisher(log), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// LogPublisher writes events to the structured log only.  It is the sink
// for development setups without a broker.
type LogPublisher struct {
	log *logger.Logger
}

func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{log: logger.OrNop(log).With("component", "notify", "driver", "log")}
}

func (p *LogPublisher) Publish(_ context.Context, ev queue.Event) error {
	p.log.Info("event", "type", ev.Type, "audience", ev.Audience, "id", ev.ID,
		"user_id", ev.UserID, "lot_id", ev.LotID, "space", ev.SpaceNumber)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
