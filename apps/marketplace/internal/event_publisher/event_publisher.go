package event_publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"evrmarket/apps/marketplace/internal/events"
	"evrmarket/apps/marketplace/internal/model"
	"evrmarket/apps/marketplace/internal/repository"
)

const claimBatchSize = 100

type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer *kafka.Producer
	kafkaTopic    string
	store         *repository.MarketStore
	interval      time.Duration
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, interval time.Duration, store *repository.MarketStore, logger *zap.Logger) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		store:         store,
		interval:      interval,
	}, nil
}

func (ep *EventPublisher) StartPublishing() {
	ticker := time.NewTicker(ep.interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := ep.publishUnsentEvents(); err != nil {
			ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents() error {
	// Only one publishing pass at a time per instance; concurrent
	// instances coordinate through the claimed 'processing' status.
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.store.ClaimUnsentEvents(claimBatchSize)
	if err != nil {
		return err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish event to Kafka",
				zap.Int64("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			// Mark as failed (returns status to 'unsent' for retry)
			if markErr := ep.store.MarkEventAsFailed(event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed",
					zap.Int64("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.store.MarkEventAsSent(event.ID); err != nil {
			ep.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID), zap.Error(err))
			// Event was published but marking failed; the retry may
			// produce a duplicate, consumers must tolerate that.
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka",
			zap.Int("success_count", successCount),
			zap.Int("attempted", len(outboxEvents)))
	}

	return nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	kafkaMsg := events.Envelope{
		EventType:   event.EventType,
		AggregateID: event.AggregateID,
		Payload:     json.RawMessage(event.EventBlob),
		Timestamp:   time.Now().UTC(),
	}

	msgBytes, err := json.Marshal(kafkaMsg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	// Aggregate id keys the message so one order's events stay ordered
	// within a partition.
	err = ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(event.AggregateID),
		Value:          msgBytes,
	}, deliveryChan)
	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
