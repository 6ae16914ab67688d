// Package gate sends open commands to the barrier controllers.  In
// simulation mode commands are only logged.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/logger"
)

// ActionOpen is the only command the service issues.
const ActionOpen = "OPEN"

// Command is the message a barrier controller receives.
type Command struct {
	RequestID   string    `json:"request_id"`
	GateID      string    `json:"gate_id"`
	Action      string    `json:"action"`
	UserID      uint64    `json:"user_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Result reports what happened to a command.
type Result struct {
	RequestID string `json:"request_id"`
	GateID    string `json:"gate_id"`
	Simulated bool   `json:"simulated"`
}

// Actuator opens gates.
type Actuator interface {
	Open(ctx context.Context, gateID string, userID uint64) (Result, error)
}

// New returns the simulator when cfg.Simulation is set and the AMQP
// actuator otherwise.
func New(cfg config.GateConfig, amqpURL string, log *logger.Logger) Actuator {
	if cfg.Simulation {
		return NewSimulator(log)
	}
	return NewAMQPActuator(amqpURL, cfg.Exchange, cfg.Timeout, log)
}

func newCommand(gateID string, userID uint64) (Command, error) {
	gateID = strings.TrimSpace(gateID)
	if gateID == "" {
		return Command{}, errors.New("gate id is required")
	}
	return Command{
		RequestID:   uuid.NewString(),
		GateID:      gateID,
		Action:      ActionOpen,
		UserID:      userID,
		RequestedAt: time.Now().UTC(),
	}, nil
}

// RoutingKey is gate.<id>.command.
func RoutingKey(gateID string) string { return "gate." + gateID + ".command" }

// Simulator logs commands and remembers the most recent ones.
type Simulator struct {
	log *logger.Logger

	mu      sync.Mutex
	history []Command
}

func NewSimulator(log *logger.Logger) *Simulator {
	return &Simulator{log: logger.OrNop(log).With("component", "gate", "mode", "simulation")}
}

func (s *Simulator) Open(_ context.Context, gateID string, userID uint64) (Result, error) {
	cmd, err := newCommand(gateID, userID)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	s.history = append(s.history, cmd)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.mu.Unlock()
	s.log.Info("gate opened", "gate_id", cmd.GateID, "user_id", userID, "request_id", cmd.RequestID)
	return Result{RequestID: cmd.RequestID, GateID: cmd.GateID, Simulated: true}, nil
}

// History returns a copy of the recorded commands, oldest first.
func (s *Simulator) History() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.history...)
}

// AMQPActuator publishes commands to a topic exchange.  Each call dials its
// own connection; gate commands are rare compared to events.
type AMQPActuator struct {
	url      string
	exchange string
	timeout  time.Duration
	log      *logger.Logger
}

func NewAMQPActuator(url, exchange string, timeout time.Duration, log *logger.Logger) *AMQPActuator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AMQPActuator{
		url:      url,
		exchange: exchange,
		timeout:  timeout,
		log:      logger.OrNop(log).With("component", "gate", "mode", "amqp"),
	}
}

func (a *AMQPActuator) Open(ctx context.Context, gateID string, userID uint64) (Result, error) {
	cmd, err := newCommand(gateID, userID)
	if err != nil {
		return Result{}, err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := amqp.DialConfig(a.url, amqp.Config{Dial: amqp.DefaultDial(a.timeout)})
	if err != nil {
		return Result{}, fmt.Errorf("gate dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	ch, err := conn.Channel()
	if err != nil {
		return Result{}, fmt.Errorf("gate channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		return Result{}, fmt.Errorf("gate exchange declare: %w", err)
	}
	err = ch.PublishWithContext(ctx, a.exchange, RoutingKey(cmd.GateID), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: cmd.RequestID,
		Timestamp:     cmd.RequestedAt,
		Body:          body,
	})
	if err != nil {
		return Result{}, fmt.Errorf("gate publish: %w", err)
	}
	a.log.Info("gate command sent", "gate_id", cmd.GateID, "user_id", userID, "request_id", cmd.RequestID)
	return Result{RequestID: cmd.RequestID, GateID: cmd.GateID}, nil
}
