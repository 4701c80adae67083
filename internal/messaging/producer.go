// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the producer relies on.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterFactory builds the writer for one topic.
type WriterFactory func(topic string) Writer

// Receipt identifies an acknowledged record. Partition and Offset are -1
// when the writer does not report them.
type Receipt struct {
	Topic     string
	Key       string
	Partition int
	Offset    int64
}

type ProducerOption func(*producerOptions)

type producerOptions struct {
	newWriter WriterFactory
}

// WithWriterFactory replaces the kafka-go writers, typically with an
// in-memory broker.
func WithWriterFactory(f WriterFactory) ProducerOption {
	return func(o *producerOptions) { o.newWriter = f }
}

// Producer publishes values of one type. Send blocks until the broker has
// acknowledged the record on all in-sync replicas.
type Producer[T any] struct {
	cfg       BrokerConfig
	codec     Codec[T]
	logger    *slog.Logger
	newWriter WriterFactory
	receipts  *receiptLog

	mu      sync.Mutex
	writers map[string]Writer
	closed  bool
}

func NewProducer[T any](cfg BrokerConfig, codec Codec[T], logger *slog.Logger, opts ...ProducerOption) (*Producer[T], error) {
	if len(cfg.Brokers) == 0 {
		return nil, domain.FatalConfig("producer: no brokers configured")
	}
	if codec == nil {
		codec = GobCodec[T]{}
	}

	var o producerOptions
	for _, opt := range opts {
		opt(&o)
	}

	p := &Producer[T]{
		cfg:      cfg.withDefaults(),
		codec:    codec,
		logger:   logging.ForComponent(logger, "producer"),
		receipts: newReceiptLog(),
		writers:  map[string]Writer{},
	}
	p.newWriter = o.newWriter
	if p.newWriter == nil {
		p.newWriter = func(topic string) Writer {
			return newKafkaWriter(p.cfg, topic, p.receipts.complete)
		}
	}
	return p, nil
}

func (p *Producer[T]) Send(ctx context.Context, topic, key string, value T) (Receipt, error) {
	if topic == "" {
		return Receipt{}, domain.Validation("producer: topic is required")
	}

	payload, err := p.codec.Encode(value)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode message for %s: %w", topic, err)
	}

	return p.write(ctx, topic, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(uuid.NewString())},
			{Key: HeaderContentType, Value: []byte(p.codec.ContentType())},
		},
	})
}

// Forward republishes a raw record to topic, keeping its key, payload and
// headers.
func (p *Producer[T]) Forward(ctx context.Context, topic string, msg kafka.Message) (Receipt, error) {
	if topic == "" {
		return Receipt{}, domain.Validation("producer: topic is required")
	}

	headers := make([]kafka.Header, 0, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		if h.Key != HeaderMessageID {
			headers = append(headers, h)
		}
	}
	headers = append(headers, kafka.Header{Key: HeaderMessageID, Value: []byte(uuid.NewString())})

	return p.write(ctx, topic, kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

func (p *Producer[T]) write(ctx context.Context, topic string, msg kafka.Message) (Receipt, error) {
	w, err := p.writer(topic)
	if err != nil {
		return Receipt{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	id := headerValue(msg.Headers, HeaderMessageID)
	p.receipts.expect(id)

	start := time.Now()
	err = w.WriteMessages(ctx, msg)
	metrics.ObserveBrokerSendDuration(time.Since(start))

	receipt, ok := p.receipts.take(id)
	if err != nil {
		p.logger.Error("broker write failed",
			"topic", topic,
			"key", string(msg.Key),
			"error", err,
		)
		return Receipt{}, domain.Transient(fmt.Errorf("send to %s: %w", topic, err))
	}
	if !ok {
		receipt = Receipt{Topic: topic, Partition: -1, Offset: -1}
	}
	receipt.Key = string(msg.Key)
	return receipt, nil
}

func (p *Producer[T]) writer(topic string) (Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("producer is closed")
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w, nil
}

// Close flushes and closes every topic writer.
func (p *Producer[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer for %s: %w", topic, err))
		}
	}
	p.writers = map[string]Writer{}
	return errors.Join(errs...)
}

func newKafkaWriter(cfg BrokerConfig, topic string, completion func([]kafka.Message, error)) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
		Completion:             completion,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
}

// receiptLog collects partition and offset assignments reported by the
// kafka-go completion callback, which runs before a synchronous write
// returns. Only writes still waiting in write are recorded; a completion
// arriving after its write gave up is discarded.
type receiptLog struct {
	mu      sync.Mutex
	pending map[string]struct{}
	byID    map[string]Receipt
}

func newReceiptLog() *receiptLog {
	return &receiptLog{
		pending: map[string]struct{}{},
		byID:    map[string]Receipt{},
	}
}

func (l *receiptLog) expect(id string) {
	if id == "" {
		return
	}
	l.mu.Lock()
	l.pending[id] = struct{}{}
	l.mu.Unlock()
}

func (l *receiptLog) complete(msgs []kafka.Message, err error) {
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range msgs {
		id := headerValue(m.Headers, HeaderMessageID)
		if _, ok := l.pending[id]; ok {
			l.byID[id] = Receipt{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
		}
	}
}

func (l *receiptLog) take(id string) (Receipt, bool) {
	if id == "" {
		return Receipt{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[id]
	delete(l.byID, id)
	delete(l.pending, id)
	return r, ok
}
