package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/shared/events"
)

// EventPublisher publishes events to Kafka
type EventPublisher struct {
	producer sarama.AsyncProducer
	config   *Config
	logger   logger.Logger
	metrics  *metrics.Metrics
	errors   chan error
}

// Config holds Kafka configuration
type Config struct {
	Brokers []string
}

// Option customizes an EventPublisher.
type Option func(*EventPublisher)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *EventPublisher) { p.metrics = m }
}

// NewEventPublisher creates a new Kafka event publisher
func NewEventPublisher(config *Config, log logger.Logger, opts ...Option) (*EventPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(config.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	publisher := &EventPublisher{
		producer: producer,
		config:   config,
		logger:   log,
		errors:   make(chan error, 100),
	}
	for _, opt := range opts {
		opt(publisher)
	}

	go publisher.handleErrors()
	go publisher.handleSuccesses()

	return publisher, nil
}

// Publish publishes an event
func (p *EventPublisher) Publish(ctx context.Context, event *events.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if correlationID, ok := ctx.Value("correlationID").(string); ok {
		event.CorrelationID = correlationID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	topic := p.getTopicForEvent(event.EventType)

	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.AggregateID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("eventType"),
				Value: []byte(event.EventType),
			},
			{
				Key:   []byte("correlationId"),
				Value: []byte(event.CorrelationID),
			},
			{
				Key:   []byte("aggregateType"),
				Value: []byte(event.AggregateType),
			},
		},
		Timestamp: event.Timestamp,
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.errors:
		return fmt.Errorf("producer error: %w", err)
	}
}

// Close closes the publisher
func (p *EventPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	close(p.errors)
	return nil
}

// handleErrors handles producer errors
func (p *EventPublisher) handleErrors() {
	for err := range p.producer.Errors() {
		select {
		case p.errors <- fmt.Errorf("kafka producer error: %w", err.Err):
		default:
			p.logger.Error("kafka producer error dropped, channel full", "error", err.Err)
		}
	}
}

// handleSuccesses drains the success channel
func (p *EventPublisher) handleSuccesses() {
	for msg := range p.producer.Successes() {
		if p.metrics != nil {
			p.metrics.KafkaMessagesProduced.WithLabelValues(msg.Topic).Inc()
		}
		p.logger.Debug("message delivered",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
	}
}

// getTopicForEvent maps event types to Kafka topics
func (p *EventPublisher) getTopicForEvent(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "workflow."):
		return "workflow-events"
	case strings.HasPrefix(eventType, "execution."):
		return "execution-events"
	case strings.HasPrefix(eventType, "provider."):
		return "provider-events"
	case strings.HasPrefix(eventType, "schedule."):
		return "schedule-events"
	default:
		return "default-events"
	}
}
