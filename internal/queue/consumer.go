package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/parking-occupancy/internal/logger"
)

// ActivityLogName is the file the consumer appends to inside its directory.
const ActivityLogName = "parking.log"

// ActivityConsumer reads parking events from RabbitMQ and appends one line
// per event to <Dir>/parking.log.
type ActivityConsumer struct {
	URL   string
	Queue string
	Dir   string
	Log   *logger.Logger
}

// Run connects, consumes and reconnects with backoff until ctx is done.
// Malformed messages are rejected without requeue so they cannot loop.
func (c *ActivityConsumer) Run(ctx context.Context) error {
	log := logger.OrNop(c.Log).With("component", "activity_consumer", "queue", c.Queue)
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Warn("dial broker failed", "error", err, "retry_in", backoff.String())
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn, log)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("consume loop ended, reconnecting", "error", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *ActivityConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection, log *logger.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Warn("set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := AppendActivity(c.Dir, d.Body); err != nil {
				log.Error("handle message failed", "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// AppendActivity decodes one event and appends its line to the activity log.
func AppendActivity(dir string, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Type == "" {
		return errors.New("event without type")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ActivityLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(FormatActivity(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatActivity renders an event as a single human readable line.
func FormatActivity(ev Event) string {
	parts := []string{fmt.Sprintf("[%s] %s", ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type)}
	if ev.UserID != 0 {
		parts = append(parts, fmt.Sprintf("user_id=%d", ev.UserID))
	}
	if ev.LotID != 0 {
		parts = append(parts, fmt.Sprintf("lot_id=%d", ev.LotID))
	}
	if ev.SpaceNumber != "" {
		parts = append(parts, "space="+ev.SpaceNumber)
	}
	if ev.InvoiceNumber != "" {
		parts = append(parts, fmt.Sprintf("amount=%.2f %s", ev.Amount, ev.Currency), "invoice="+ev.InvoiceNumber)
	}
	if ev.Message != "" {
		parts = append(parts, fmt.Sprintf("message=%q", ev.Message))
	}
	return strings.Join(parts, " | ") + "\n"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
