// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is an immutable before/after record of one mutation. Insert
// events carry a zero-value Before.
type ChangeEvent[T any] struct {
	ID        uuid.UUID     `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Operation OperationType `json:"operation"`
	Before    T             `json:"before"`
	After     T             `json:"after"`
}

func NewChangeEvent[T any](op OperationType, before, after T) ChangeEvent[T] {
	return ChangeEvent[T]{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Operation: op,
		Before:    before,
		After:     after,
	}
}
