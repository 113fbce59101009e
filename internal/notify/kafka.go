// Package notify publishes cycle results to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/lox/modelscore/internal/models"
)

// CycleEvent summarises one completed update cycle.
type CycleEvent struct {
	CycleID      string                             `json:"cycle_id"`
	CompletedAt  time.Time                          `json:"completed_at"`
	Observations int                                `json:"observations"`
	Forecasts    int                                `json:"forecasts"`
	Synthetic    int                                `json:"synthetic"`
	Records      int                                `json:"records"`
	FailedModels []string                           `json:"failed_models,omitempty"`
	Leaderboards map[string][]models.LeaderboardRow `json:"leaderboards"`
}

// Publisher sends cycle events somewhere.
type Publisher interface {
	Publish(ctx context.Context, event CycleEvent) error
	Close() error
}

// KafkaPublisher writes cycle events to a Kafka topic.
type KafkaPublisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaPublisher{writer: w, logger: logger.With("component", "kafka")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event CycleEvent) error {
	msg, err := eventMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish cycle %s: %w", event.CycleID, err)
	}
	p.logger.Debug("published cycle event", "cycle", event.CycleID, "buckets", len(event.Leaderboards))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func eventMessage(event CycleEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize cycle event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.CycleID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "cycle_id", Value: []byte(event.CycleID)},
			{Key: "published_at", Value: []byte(event.CompletedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}

// Discard drops every event. It stands in when no brokers are configured.
type Discard struct{}

func (Discard) Publish(context.Context, CycleEvent) error { return nil }
func (Discard) Close() error                              { return nil }
