// SPDX-License-Identifier: Apache-2.0

package evented

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/metrics"
	"github.com/google/uuid"
)

// Handler reacts to a change event. Returned errors are logged by the
// registry and never reach the caller of the mutation.
type Handler[T any] func(ctx context.Context, ev domain.ChangeEvent[T]) error

type subscription[T any] struct {
	id      uuid.UUID
	filter  domain.OperationType
	handler Handler[T]
}

// Registry holds the handlers subscribed to one store's change events.
type Registry[T any] struct {
	mu     sync.RWMutex
	subs   []subscription[T]
	logger *slog.Logger
}

func NewRegistry[T any](logger *slog.Logger) *Registry[T] {
	return &Registry[T]{logger: logging.ForComponent(logger, "evented")}
}

// Subscribe registers h for events whose operation equals filter, or for
// every event when filter is OperationAny.
func (r *Registry[T]) Subscribe(filter domain.OperationType, h Handler[T]) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.subs = append(r.subs, subscription[T]{id: id, filter: filter, handler: h})
	r.mu.Unlock()
	return id
}

func (r *Registry[T]) Unsubscribe(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.subs) - 1; i >= 0; i-- {
		if r.subs[i].id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers ev to the handlers subscribed to its operation, waits for
// them, then delivers it to the OperationAny handlers and waits again.
// Subscriptions added or removed during a dispatch do not affect it.
func (r *Registry[T]) Dispatch(ctx context.Context, ev domain.ChangeEvent[T]) {
	specific, wildcard := r.snapshot(ev.Operation)
	metrics.IncChangeEventDispatched(ev.Operation)

	r.runAll(ctx, specific, ev)
	r.runAll(ctx, wildcard, ev)
}

func (r *Registry[T]) snapshot(op domain.OperationType) (specific, wildcard []subscription[T]) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subs {
		switch {
		case s.filter == domain.OperationAny:
			wildcard = append(wildcard, s)
		case s.filter == op:
			specific = append(specific, s)
		}
	}
	return specific, wildcard
}

func (r *Registry[T]) runAll(ctx context.Context, subs []subscription[T], ev domain.ChangeEvent[T]) {
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(s subscription[T]) {
			defer wg.Done()
			r.invoke(ctx, s, ev)
		}(s)
	}
	wg.Wait()
}

func (r *Registry[T]) invoke(ctx context.Context, s subscription[T], ev domain.ChangeEvent[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncHandlerFailure()
			r.logger.Error("change event handler panicked",
				"subscription_id", s.id,
				"event_id", ev.ID,
				"operation", ev.Operation.String(),
				"panic", rec,
			)
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		metrics.IncHandlerFailure()
		r.logger.Error("change event handler failed",
			"subscription_id", s.id,
			"event_id", ev.ID,
			"operation", ev.Operation.String(),
			"error", err,
		)
	}
}
