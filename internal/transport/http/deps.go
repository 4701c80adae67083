// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/customer-sync/internal/domain"
)

// CustomerStore is the evented customer store. *evented.Store[domain.Customer]
// implements it.
type CustomerStore interface {
	Add(ctx context.Context, c domain.Customer) (domain.Customer, error)
	Update(ctx context.Context, c domain.Customer) (domain.Customer, error)
	Delete(ctx context.Context, entityID string) (domain.Customer, error)
	DeleteWhere(ctx context.Context, f domain.Filter) (int64, error)
	Get(ctx context.Context, entityID string) (domain.Customer, error)
	List(ctx context.Context) ([]domain.Customer, error)
	Find(ctx context.Context, f domain.Filter) ([]domain.Customer, error)
	Count(ctx context.Context) (int64, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
