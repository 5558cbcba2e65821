package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"merch-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DefaultPublishTimeout bounds a single publish so a slow broker cannot hold up the caller
const DefaultPublishTimeout = 3 * time.Second

type Producer struct {
	writer         MessageWriter
	publishTimeout time.Duration
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return NewProducerWithWriter(writer)
}

// NewProducerWithWriter creates a producer over any message writer
func NewProducerWithWriter(writer MessageWriter) *Producer {
	return &Producer{writer: writer, publishTimeout: DefaultPublishTimeout}
}

// WithPublishTimeout overrides the per-publish timeout
func (p *Producer) WithPublishTimeout(timeout time.Duration) *Producer {
	if timeout > 0 {
		p.publishTimeout = timeout
	}
	return p
}

// PublishEvent publishes an event to Kafka. Messages with the same key land on the same partition.
// The write is detached from the caller's cancellation and bounded by the publish timeout.
func (p *Producer) PublishEvent(ctx context.Context, key, eventType string, event interface{}) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, msg)
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	util.GetLogger().Debug("Published event",
		zap.String("key", key),
		zap.String("type", eventType))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
