package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/coder/quartz"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
)

// Publisher writes presence events to a Kafka topic
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	clock    quartz.Clock
	logger   *slog.Logger
}

// NewPublisher creates a publisher connected to the configured brokers
func NewPublisher(cfg *config.KafkaConfig, clock quartz.Clock, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return NewPublisherWithProducer(producer, cfg.Topic, clock, logger), nil
}

// NewPublisherWithProducer creates a publisher on an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, clock quartz.Clock, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		clock:    clock,
		logger:   logger,
	}
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}

// Publish sends events in one batch. Player events are keyed by player id so
// each player's joins and leaves stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, events []domain.PresenceEvent) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]*sarama.ProducerMessage, 0, len(events))
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("encoding presence event: %w", err)
		}

		msg := &sarama.ProducerMessage{
			Topic: p.topic,
			Value: sarama.ByteEncoder(data),
			Headers: []sarama.RecordHeader{
				{Key: []byte("event_type"), Value: []byte(event.Type)},
			},
		}
		if event.PlayerID != "" {
			msg.Key = sarama.StringEncoder(event.PlayerID)
		}
		messages = append(messages, msg)
	}

	if err := p.producer.SendMessages(messages); err != nil {
		return fmt.Errorf("publishing presence events: %w", err)
	}

	p.logger.Debug("published presence events", "count", len(messages), "topic", p.topic)
	return nil
}

// NotifyCycle publishes the joins, leaves and summary of a cycle
func (p *Publisher) NotifyCycle(ctx context.Context, report *domain.CycleReport) error {
	return p.Publish(ctx, report.Events(p.clock.Now()))
}
