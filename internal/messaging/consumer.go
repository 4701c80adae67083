// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// Reader is the subset of *kafka.Reader the consumer relies on.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder republishes raw records. *Producer implements it.
type Forwarder interface {
	Forward(ctx context.Context, topic string, msg kafka.Message) (Receipt, error)
}

// Message is a decoded record together with its broker coordinates.
type Message[T any] struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     T
	Headers   map[string]string
}

type MessageHandler[T any] func(ctx context.Context, msg Message[T]) error

type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	reader          Reader
	deadLetterTopic string
	forwarder       Forwarder
	maxAttempts     int
	backoff         BackoffFunc
}

// WithReader replaces the kafka-go group reader.
func WithReader(r Reader) ConsumerOption {
	return func(o *consumerOptions) { o.reader = r }
}

// WithDeadLetter forwards records that cannot be decoded or handled to topic.
func WithDeadLetter(topic string, f Forwarder) ConsumerOption {
	return func(o *consumerOptions) {
		o.deadLetterTopic = topic
		o.forwarder = f
	}
}

// WithRetry sets how many times a handler is invoked for one record and the
// wait between invocations.
func WithRetry(maxAttempts int, backoff BackoffFunc) ConsumerOption {
	return func(o *consumerOptions) {
		o.maxAttempts = maxAttempts
		o.backoff = backoff
	}
}

// Consumer polls a consumer group and hands decoded records to a handler.
// A record's offset is committed once the handler succeeds, or once the
// record has been dead-lettered after exhausting its attempts.
type Consumer[T any] struct {
	cfg             BrokerConfig
	topics          []string
	codec           Codec[T]
	logger          *slog.Logger
	reader          Reader
	deadLetterTopic string
	forwarder       Forwarder
	maxAttempts     int
	backoff         BackoffFunc
}

func NewConsumer[T any](cfg BrokerConfig, topics []string, codec Codec[T], logger *slog.Logger, opts ...ConsumerOption) (*Consumer[T], error) {
	if len(topics) == 0 {
		return nil, domain.FatalConfig("consumer: at least one topic is required")
	}
	if codec == nil {
		codec = GobCodec[T]{}
	}
	cfg = cfg.withDefaults()

	o := consumerOptions{
		maxAttempts: defaultHandlerAttempts,
		backoff:     ExponentialBackoff(cfg.PollInterval/4, 2, 30*cfg.PollInterval, 0.2),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	if o.backoff == nil {
		o.backoff = NoBackoff
	}
	if (o.deadLetterTopic == "") != (o.forwarder == nil) {
		return nil, domain.FatalConfig("consumer: dead-letter needs both a topic and a forwarder")
	}

	if o.reader == nil {
		if len(cfg.Brokers) == 0 {
			return nil, domain.FatalConfig("consumer: no brokers configured")
		}
		if cfg.GroupID == "" {
			return nil, domain.FatalConfig("consumer: group id is required")
		}
		o.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			GroupTopics: topics,
			StartOffset: cfg.StartOffset,
			MaxWait:     cfg.PollInterval,
			Dialer:      &kafka.Dialer{ClientID: cfg.ClientID, DualStack: true, Timeout: cfg.WriteTimeout},
		})
	}

	return &Consumer[T]{
		cfg:             cfg,
		topics:          append([]string(nil), topics...),
		codec:           codec,
		logger:          logging.ForComponent(logger, "consumer"),
		reader:          o.reader,
		deadLetterTopic: o.deadLetterTopic,
		forwarder:       o.forwarder,
		maxAttempts:     o.maxAttempts,
		backoff:         o.backoff,
	}, nil
}

type runCallbacks[T any] struct {
	onMessage     MessageHandler[T]
	onBrokerError func(error)
	onDecodeError func(kafka.Message, error)
}

// Run polls until ctx is cancelled or the reader is closed. onBrokerError
// and onDecodeError may be nil. Run returns an error only when a record could
// be neither handled nor dead-lettered; its offset is left uncommitted so the
// record is redelivered after a restart.
func (c *Consumer[T]) Run(
	ctx context.Context,
	onMessage MessageHandler[T],
	onBrokerError func(error),
	onDecodeError func(kafka.Message, error),
) error {
	if onMessage == nil {
		return domain.FatalConfig("consumer: message handler is required")
	}
	cb := runCallbacks[T]{onMessage: onMessage, onBrokerError: onBrokerError, onDecodeError: onDecodeError}

	c.logger.Info("consumer started",
		"topics", c.topics,
		"group", c.cfg.GroupID,
		"dead_letter_topic", c.deadLetterTopic,
	)
	defer c.logger.Info("consumer stopped", "topics", c.topics)

	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Warn("fetch failed", "error", err)
			if cb.onBrokerError != nil {
				cb.onBrokerError(err)
			}
			if !Sleep(ctx, c.cfg.PollInterval) {
				return nil
			}
			continue
		}

		if err := c.process(ctx, raw, cb); err != nil {
			return err
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

func (c *Consumer[T]) process(ctx context.Context, raw kafka.Message, cb runCallbacks[T]) error {
	value, err := c.codec.Decode(raw.Value)
	if err != nil {
		metrics.IncMessageConsumed(raw.Topic, metrics.ResultDecodeError)
		c.logger.Error("decode failed",
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
			"error", err,
		)
		if cb.onDecodeError != nil {
			cb.onDecodeError(raw, err)
		}
		return c.settle(ctx, raw, err, 0, cb)
	}

	msg := Message[T]{
		Topic:     raw.Topic,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Key:       string(raw.Key),
		Value:     value,
		Headers:   headerMap(raw.Headers),
	}

	attempts, err := c.handle(ctx, msg, cb.onMessage)
	if err == nil {
		metrics.IncMessageConsumed(raw.Topic, metrics.ResultOK)
		c.commit(ctx, raw, cb)
		return nil
	}
	if ctx.Err() != nil {
		c.logger.Warn("shutdown before record settled; it will be redelivered",
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
			"error", err,
		)
		return nil
	}

	metrics.IncMessageConsumed(raw.Topic, metrics.ResultFailed)
	return c.settle(ctx, raw, err, attempts, cb)
}

// handle invokes onMessage until it succeeds or maxAttempts is reached.
// Validation errors are not retried.
func (c *Consumer[T]) handle(ctx context.Context, msg Message[T], onMessage MessageHandler[T]) (int, error) {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err = invoke(ctx, msg, onMessage); err == nil {
			return attempt, nil
		}
		if errors.Is(err, domain.ErrValidation) || attempt == c.maxAttempts {
			return attempt, err
		}

		c.logger.Warn("handler failed; retrying",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"error", err,
		)
		if !Sleep(ctx, c.backoff(attempt)) {
			return attempt, ctx.Err()
		}
	}
	return c.maxAttempts, err
}

func invoke[T any](ctx context.Context, msg Message[T], onMessage MessageHandler[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return onMessage(ctx, msg)
}

func (c *Consumer[T]) settle(ctx context.Context, raw kafka.Message, cause error, attempts int, cb runCallbacks[T]) error {
	if c.forwarder == nil {
		c.logger.Error("record could not be processed; committing without dead-letter",
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
			"attempts", attempts,
			"error", cause,
		)
		c.commit(ctx, raw, cb)
		return nil
	}

	headers := append([]kafka.Header(nil), raw.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(raw.Topic)},
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(raw.Partition))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(raw.Offset, 10))},
	)

	if _, err := c.forwarder.Forward(ctx, c.deadLetterTopic, kafka.Message{
		Key:     raw.Key,
		Value:   raw.Value,
		Headers: headers,
	}); err != nil {
		c.logger.Error("dead-letter forward failed; leaving offset uncommitted",
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
			"dead_letter_topic", c.deadLetterTopic,
			"error", err,
		)
		return fmt.Errorf("dead-letter %s/%d/%d: %w", raw.Topic, raw.Partition, raw.Offset, err)
	}

	metrics.IncMessageDeadLettered(raw.Topic)
	c.logger.Warn("record dead-lettered",
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
		"dead_letter_topic", c.deadLetterTopic,
		"attempts", attempts,
		"error", cause,
	)
	c.commit(ctx, raw, cb)
	return nil
}

func (c *Consumer[T]) commit(ctx context.Context, raw kafka.Message, cb runCallbacks[T]) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(ctx, raw); err != nil {
		c.logger.Error("commit failed",
			"topic", raw.Topic,
			"partition", raw.Partition,
			"offset", raw.Offset,
			"error", err,
		)
		if cb.onBrokerError != nil {
			cb.onBrokerError(err)
		}
	}
}
