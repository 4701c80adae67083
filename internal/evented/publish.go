// SPDX-License-Identifier: Apache-2.0

package evented

import (
	"context"
	"fmt"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/messaging"
)

// Sender publishes values onto a broker topic.
type Sender[V any] interface {
	Send(ctx context.Context, topic, key string, value V) (messaging.Receipt, error)
}

// StreamTo returns a handler that publishes every change event to topic,
// keyed by entity id so all events of one entity share a partition.
func StreamTo[T Entity[T]](sender Sender[domain.ChangeEvent[T]], topic string) Handler[T] {
	return func(ctx context.Context, ev domain.ChangeEvent[T]) error {
		key := ev.After.Key()
		if key == "" {
			key = ev.Before.Key()
		}
		if _, err := sender.Send(ctx, topic, key, ev); err != nil {
			return fmt.Errorf("stream change event %s: %w", ev.ID, err)
		}
		return nil
	}
}
