// SPDX-License-Identifier: Apache-2.0

package evented

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/google/uuid"
)

// Entity is a record the store can key and soft-delete.
type Entity[T any] interface {
	Key() string
	MarkDeleted(at time.Time) T
}

// Backend is the primary store collaborator. Lookups never return
// soft-deleted records.
type Backend[T any] interface {
	Insert(ctx context.Context, entity T) (T, error)
	InsertMany(ctx context.Context, entities []T) ([]T, error)
	// Replace overwrites the live record with entity's key and returns the
	// record as it was before and after the write.
	Replace(ctx context.Context, entity T, at time.Time) (before T, after T, err error)
	// SoftDelete flags the live record and returns it as it was before.
	SoftDelete(ctx context.Context, entityID string, at time.Time) (T, error)
	// SoftDeleteWhere flags every live record matching f. modified holds the
	// records the write flagged, as they were before it; matched is how many
	// live records the filter selected.
	SoftDeleteWhere(ctx context.Context, f domain.Filter, at time.Time) (modified []T, matched int64, err error)
	Get(ctx context.Context, entityID string) (T, error)
	List(ctx context.Context) ([]T, error)
	Find(ctx context.Context, f domain.Filter) ([]T, error)
	Count(ctx context.Context, f domain.Filter) (int64, error)
}

// Store applies mutations to a Backend and publishes a change event for each
// affected entity once the mutation has succeeded.
type Store[T Entity[T]] struct {
	backend  Backend[T]
	registry *Registry[T]
	logger   *slog.Logger
	now      func() time.Time
}

func NewStore[T Entity[T]](backend Backend[T], registry *Registry[T], logger *slog.Logger) *Store[T] {
	if registry == nil {
		registry = NewRegistry[T](logger)
	}
	return &Store[T]{
		backend:  backend,
		registry: registry,
		logger:   logging.ForComponent(logger, "evented"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store[T]) Subscribe(filter domain.OperationType, h Handler[T]) uuid.UUID {
	return s.registry.Subscribe(filter, h)
}

func (s *Store[T]) Unsubscribe(id uuid.UUID) error {
	return s.registry.Unsubscribe(id)
}

func (s *Store[T]) Add(ctx context.Context, entity T) (T, error) {
	if err := validate(entity); err != nil {
		var zero T
		return zero, err
	}
	created, err := s.backend.Insert(ctx, entity)
	if err != nil {
		var zero T
		return zero, err
	}

	var before T
	s.dispatch(ctx, domain.NewChangeEvent(domain.OperationInsert, before, created))
	return created, nil
}

func (s *Store[T]) AddMany(ctx context.Context, entities []T) ([]T, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	for _, e := range entities {
		if err := validate(e); err != nil {
			return nil, err
		}
	}

	created, err := s.backend.InsertMany(ctx, entities)
	if err != nil {
		return nil, err
	}

	var before T
	for _, c := range created {
		s.dispatch(ctx, domain.NewChangeEvent(domain.OperationInsert, before, c))
	}
	return created, nil
}

func (s *Store[T]) Update(ctx context.Context, entity T) (T, error) {
	if err := validate(entity); err != nil {
		var zero T
		return zero, err
	}
	before, after, err := s.backend.Replace(ctx, entity, s.now())
	if err != nil {
		var zero T
		return zero, err
	}

	s.dispatch(ctx, domain.NewChangeEvent(domain.OperationUpdate, before, after))
	return after, nil
}

// UpdateMany applies updates in order and stops at the first failure. Events
// for the updates that already succeeded have been dispatched.
func (s *Store[T]) UpdateMany(ctx context.Context, entities []T) ([]T, error) {
	updated := make([]T, 0, len(entities))
	for _, e := range entities {
		after, err := s.Update(ctx, e)
		if err != nil {
			return updated, err
		}
		updated = append(updated, after)
	}
	return updated, nil
}

func (s *Store[T]) Delete(ctx context.Context, entityID string) (T, error) {
	at := s.now()
	before, err := s.backend.SoftDelete(ctx, entityID, at)
	if err != nil {
		var zero T
		return zero, err
	}

	after := before.MarkDeleted(at)
	s.dispatch(ctx, domain.NewChangeEvent(domain.OperationDelete, before, after))
	return after, nil
}

// DeleteWhere soft-deletes every live entity matching f and returns how many
// were deleted. When the write touched a different number of records than
// the filter matched, no events are dispatched and a
// *domain.PartialFailureError is returned.
func (s *Store[T]) DeleteWhere(ctx context.Context, f domain.Filter) (int64, error) {
	at := s.now()
	modified, matched, err := s.backend.SoftDeleteWhere(ctx, f, at)
	if err != nil {
		return 0, err
	}

	n := int64(len(modified))
	if n != matched {
		s.logger.Error("bulk delete modified a different number of records than matched",
			"matched", matched,
			"modified", n,
		)
		return n, &domain.PartialFailureError{Matched: matched, Modified: n}
	}

	for _, before := range modified {
		s.dispatch(ctx, domain.NewChangeEvent(domain.OperationDelete, before, before.MarkDeleted(at)))
	}
	return n, nil
}

func (s *Store[T]) DeleteAll(ctx context.Context) (int64, error) {
	return s.DeleteWhere(ctx, nil)
}

func (s *Store[T]) Get(ctx context.Context, entityID string) (T, error) {
	return s.backend.Get(ctx, entityID)
}

func (s *Store[T]) List(ctx context.Context) ([]T, error) {
	return s.backend.List(ctx)
}

func (s *Store[T]) Find(ctx context.Context, f domain.Filter) ([]T, error) {
	return s.backend.Find(ctx, f)
}

func (s *Store[T]) Count(ctx context.Context) (int64, error) {
	return s.backend.Count(ctx, nil)
}

func (s *Store[T]) Exists(ctx context.Context, f domain.Filter) (bool, error) {
	n, err := s.backend.Count(ctx, f)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// dispatch runs the handlers on a context detached from ctx's cancellation:
// the mutation has committed, so its events must still go out when the caller
// has gone away.
func (s *Store[T]) dispatch(ctx context.Context, ev domain.ChangeEvent[T]) {
	s.registry.Dispatch(context.WithoutCancel(ctx), ev)
}

func validate[T any](entity T) error {
	if v, ok := any(entity).(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}
