package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
)

// EventHandler processes presence events read from Kafka
type EventHandler interface {
	HandlePresenceEvent(ctx context.Context, event domain.PresenceEvent) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event domain.PresenceEvent) error

func (f EventHandlerFunc) HandlePresenceEvent(ctx context.Context, event domain.PresenceEvent) error {
	return f(ctx, event)
}

// Tailer follows every partition of the presence topic from the newest
// offset. It does not commit offsets.
type Tailer struct {
	config   *config.KafkaConfig
	handler  EventHandler
	logger   *slog.Logger
	consumer sarama.Consumer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTailer creates a tailer connected to the configured brokers
func NewTailer(cfg *config.KafkaConfig, handler EventHandler, logger *slog.Logger) (*Tailer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.ClientID = cfg.ClientID
	saramaConfig.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}

	return NewTailerWithConsumer(consumer, cfg, handler, logger), nil
}

// NewTailerWithConsumer creates a tailer on an existing consumer
func NewTailerWithConsumer(consumer sarama.Consumer, cfg *config.KafkaConfig, handler EventHandler, logger *slog.Logger) *Tailer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tailer{
		config:   cfg,
		handler:  handler,
		logger:   logger,
		consumer: consumer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins consuming every partition of the topic
func (t *Tailer) Start() error {
	partitions, err := t.consumer.Partitions(t.config.Topic)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}

	t.logger.Info("tailing presence events",
		"brokers", t.config.Brokers,
		"topic", t.config.Topic,
		"partitions", len(partitions),
	)

	for _, partition := range partitions {
		pc, err := t.consumer.ConsumePartition(t.config.Topic, partition, sarama.OffsetNewest)
		if err != nil {
			t.cancel()
			return fmt.Errorf("consuming partition %d: %w", partition, err)
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.consumePartition(pc)
		}()
	}

	return nil
}

// Stop stops all partition consumers and closes the consumer
func (t *Tailer) Stop() error {
	t.logger.Info("stopping presence event tail")
	t.cancel()
	t.wg.Wait()
	return t.consumer.Close()
}

func (t *Tailer) consumePartition(pc sarama.PartitionConsumer) {
	defer pc.AsyncClose()

	for {
		select {
		case <-t.ctx.Done():
			return

		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			t.logger.Error("partition consumer error", "error", err)

		case message, ok := <-pc.Messages():
			if !ok {
				return
			}

			event, err := DecodeEvent(message)
			if err != nil {
				t.logger.Warn("failed to decode presence event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			if err := t.handler.HandlePresenceEvent(t.ctx, event); err != nil {
				t.logger.Error("failed to handle presence event", "error", err, "type", event.Type)
			}
		}
	}
}

// DecodeEvent parses a message written by Publisher
func DecodeEvent(message *sarama.ConsumerMessage) (domain.PresenceEvent, error) {
	var event domain.PresenceEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return event, fmt.Errorf("unmarshaling presence event: %w", err)
	}
	if event.Type == "" {
		return event, fmt.Errorf("presence event without type at offset %d", message.Offset)
	}
	return event, nil
}
