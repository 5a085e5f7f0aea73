// Package consumer reads JSON messages from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

var ErrNoBrokers = errors.New("no kafka brokers configured")

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DecodeError reports a message whose value is not a valid T. The message is
// committed anyway so that a poison message cannot block the partition.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Consumer[T any] struct {
	reader Reader
}

func NewConsumer[T any](cfg Config) (*Consumer[T], error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}, nil
}

// FromReader wraps an existing reader.
func FromReader[T any](r Reader) *Consumer[T] {
	return &Consumer[T]{reader: r}
}

// Read blocks for the next message and commits it once decoded.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return zero, cerr
		}
		return zero, &DecodeError{Offset: msg.Offset, Err: err}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}
	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
