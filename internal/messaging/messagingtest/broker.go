// SPDX-License-Identifier: Apache-2.0

// Package messagingtest provides an in-memory broker for tests of code built
// on the messaging package. Every topic has a single partition.
package messagingtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/segmentio/kafka-go"
)

type Broker struct {
	mu        sync.Mutex
	logs      map[string][]kafka.Message
	committed map[string]int64
	writeErrs map[string]error
	fetchErrs []error
	wake      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		logs:      map[string][]kafka.Message{},
		committed: map[string]int64{},
		writeErrs: map[string]error{},
		wake:      make(chan struct{}),
	}
}

// FailWrites makes every write to topic return err until cleared with nil.
func (b *Broker) FailWrites(topic string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.writeErrs, topic)
		return
	}
	b.writeErrs[topic] = err
}

// FailFetches queues errors returned by the next fetches, one per call.
func (b *Broker) FailFetches(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = append(b.fetchErrs, errs...)
}

// Publish appends records to topic as an external producer would.
func (b *Broker) Publish(topic string, msgs ...kafka.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(topic, msgs)
}

func (b *Broker) Messages(topic string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.Message(nil), b.logs[topic]...)
}

// Committed returns the next offset the group will read from topic.
func (b *Broker) Committed(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[topic]
}

// WaitFor polls until cond holds or ctx is done.
func (b *Broker) WaitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Broker) Writer(topic string) messaging.Writer {
	return &writer{broker: b, topic: topic}
}

func (b *Broker) WriterFactory() messaging.WriterFactory {
	return b.Writer
}

// Reader returns a reader over topics that starts at each topic's committed
// offset.
func (b *Broker) Reader(topics ...string) *Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	cursor := make(map[string]int64, len(topics))
	for _, t := range topics {
		cursor[t] = b.committed[t]
	}
	return &Reader{broker: b, topics: topics, cursor: cursor}
}

func (b *Broker) appendLocked(topic string, msgs []kafka.Message) {
	for _, m := range msgs {
		m.Topic = topic
		m.Partition = 0
		m.Offset = int64(len(b.logs[topic]))
		if m.Time.IsZero() {
			m.Time = time.Now().UTC()
		}
		b.logs[topic] = append(b.logs[topic], m)
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

type writer struct {
	broker *Broker
	topic  string
}

func (w *writer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.broker.mu.Lock()
	defer w.broker.mu.Unlock()
	if err := w.broker.writeErrs[w.topic]; err != nil {
		return err
	}
	w.broker.appendLocked(w.topic, msgs)
	return nil
}

func (w *writer) Close() error { return nil }

// Reader mimics a consumer-group reader on a single partition per topic.
type Reader struct {
	broker *Broker
	topics []string
	cursor map[string]int64

	mu     sync.Mutex
	closed bool
}

func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return kafka.Message{}, io.EOF
		}

		b := r.broker
		b.mu.Lock()
		if len(b.fetchErrs) > 0 {
			err := b.fetchErrs[0]
			b.fetchErrs = b.fetchErrs[1:]
			b.mu.Unlock()
			return kafka.Message{}, err
		}
		for _, t := range r.topics {
			if next := r.cursor[t]; next < int64(len(b.logs[t])) {
				msg := b.logs[t][next]
				r.cursor[t] = next + 1
				b.mu.Unlock()
				return msg, nil
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-wake:
		}
	}
}

func (r *Reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		if m.Offset+1 > b.committed[m.Topic] {
			b.committed[m.Topic] = m.Offset + 1
		}
	}
	return nil
}

func (r *Reader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.broker.mu.Lock()
	close(r.broker.wake)
	r.broker.wake = make(chan struct{})
	r.broker.mu.Unlock()
	return nil
}
