// Package kafka provides the producer and consumer used for document ingest,
// backed by segmentio/kafka-go. Events travel as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fhaynes/saga/pkg/config"
	"github.com/fhaynes/saga/pkg/logger"
	"github.com/fhaynes/saga/pkg/resilience"
)

// ErrSkip marks a message that can never be processed, such as malformed
// JSON. The consumer commits past it instead of retrying.
var ErrSkip = errors.New("skip message")

const fetchBackoff = time.Second

// MessageHandler processes one message value.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the messages of one topic, as a member of the configured
// consumer group, to a handler.
type Consumer struct {
	reader  messageReader
	handler MessageHandler
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	return newConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	}), topic, handler)
}

func newConsumer(r messageReader, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  r,
		handler: handler,
		retry: resilience.RetryConfig{
			Strategy:     resilience.Exponential,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Retryable:    func(err error) bool { return !errors.Is(err, ErrSkip) },
		},
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Run consumes until ctx is done, then closes the reader. Messages are
// handled strictly in order: a handler error other than ErrSkip is retried
// with backoff on the same message, so a commit never moves the group offset
// past an unprocessed one. ErrSkip messages are committed and dropped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Error("fetching message failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchBackoff):
			}
			continue
		}
		if !c.process(ctx, msg) {
			c.logger.Info("consumer stopped", "uncommitted_offset", msg.Offset)
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("committing message failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// process runs the handler until it accepts or skips msg. It reports false
// only when ctx ended first, leaving msg uncommitted.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctx = messageContext(ctx, msg)
	l := logger.FromContext(ctx)
	l.Debug("message received", "partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))

	retry := c.retry
	retry.OnAttempt = func(attempt int, err error) {
		if err != nil && !errors.Is(err, ErrSkip) {
			l.Error("handling message failed", "partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "error", err)
		}
	}
	err := resilience.Retry(ctx, "kafka-message", retry, func() error {
		return c.handler(ctx, msg.Key, msg.Value)
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrSkip):
		l.Warn("skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return true
	default:
		return false
	}
}

// messageContext carries the publisher's request id, when present, into the
// handler's context.
func messageContext(ctx context.Context, msg kafka.Message) context.Context {
	for _, h := range msg.Headers {
		if h.Key == RequestIDHeader {
			return logger.WithRequestID(ctx, string(h.Value))
		}
	}
	return ctx
}

// DecodeJSON unmarshals a message value into T. Decode failures wrap ErrSkip.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w: %w", ErrSkip, err)
	}
	return result, nil
}
