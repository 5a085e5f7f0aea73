// Package producer publishes JSON messages to a Kafka topic.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

type Config struct {
	Brokers []string
	Topic   string
}

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer[T any] struct {
	writer MessageWriter
	topic  string
}

func NewProducer[T any](cfg Config) (*Producer[T], error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &Producer[T]{writer: w, topic: cfg.Topic}, nil
}

// FromWriter wraps an existing writer.
func FromWriter[T any](w MessageWriter, topic string) *Producer[T] {
	return &Producer[T]{writer: w, topic: topic}
}

// Publish writes payload as JSON under key and waits for the broker's ack.
func (p *Producer[T]) Publish(ctx context.Context, key []byte, payload T) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("topic %q does not exist: %w", p.topic, err)
	}
	return err
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
