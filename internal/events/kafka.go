// Package events ships grant lifecycle events to Kafka for downstream
// consumers such as notification and audit pipelines.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"medshare.org/internal/consent"
	"medshare.org/internal/obs"
)

// Config configures the Kafka publisher.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements consent.EventSink. Writes go through a circuit
// breaker so an unavailable broker costs one fast failure per event instead
// of a full write timeout.
type KafkaPublisher struct {
	w       messageWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	log     *zap.Logger
}

var _ consent.EventSink = (*KafkaPublisher)(nil)

// NewKafkaPublisher builds a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg Config, log *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("events: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newPublisher(w, cfg, log), nil
}

func newPublisher(w messageWriter, cfg Config, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = obs.Logger()
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log = log.Named("events")
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka:" + cfg.Topic,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &KafkaPublisher{w: w, breaker: breaker, timeout: timeout, log: log}
}

// message is the wire form of a grant event.
type message struct {
	Type       consent.EventType `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Grant      consent.Grant     `json:"grant"`
}

// Publish writes evt keyed by owner id, so every event about one owner's
// records lands on the same partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, evt consent.GrantEvent) error {
	body, err := json.Marshal(message{Type: evt.Type, OccurredAt: evt.OccurredAt.UTC(), Grant: evt.Grant})
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", evt.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.Grant.OwnerID),
		Value: body,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "grant-id", Value: []byte(evt.Grant.ID)},
		},
	}
	_, err = p.breaker.Execute(func() (struct{}, error) {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return struct{}{}, p.w.WriteMessages(wctx, msg)
	})
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", evt.Type, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
