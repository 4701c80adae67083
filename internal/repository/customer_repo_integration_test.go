//go:build integration

// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/evented"
	"github.com/adiadia/customer-sync/internal/persistence/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCustomerRepositoryIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		t.Skipf("skip integration test: schema bootstrap failed (%v)", err)
	}
	if err := truncateCustomers(ctx, pool); err != nil {
		t.Fatalf("truncate customers: %v", err)
	}

	repo := NewCustomerRepository(pool, logger)

	created, err := repo.Insert(ctx, domain.NewCustomer("Ada", "555-0100", "ada@example.com"))
	if err != nil {
		t.Fatalf("insert customer: %v", err)
	}
	if created.ID == 0 || created.CreatedAt.IsZero() {
		t.Fatalf("expected database-assigned fields, got %+v", created)
	}

	if _, err := repo.Insert(ctx, created); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected duplicate entity id to be rejected, got %v", err)
	}

	changed := created
	changed.Email = "ada@lovelace.dev"
	at := time.Now().UTC().Add(time.Second).Truncate(time.Microsecond)
	before, after, err := repo.Replace(ctx, changed, at)
	if err != nil {
		t.Fatalf("replace customer: %v", err)
	}
	if before.Email != "ada@example.com" || after.Email != "ada@lovelace.dev" {
		t.Fatalf("unexpected snapshots: before=%s after=%s", before.Email, after.Email)
	}
	if !after.UpdatedAt.Equal(at) {
		t.Fatalf("expected updated_at %s got %s", at, after.UpdatedAt)
	}

	deletedBefore, err := repo.SoftDelete(ctx, created.EntityID, time.Now().UTC())
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if deletedBefore.Deleted {
		t.Fatal("expected pre-delete snapshot to be live")
	}

	if _, err := repo.Get(ctx, created.EntityID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after soft delete, got %v", err)
	}
	if _, _, err := repo.Replace(ctx, changed, time.Now().UTC()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating a deleted customer, got %v", err)
	}

	var stillStored bool
	if err := pool.QueryRow(ctx, `SELECT deleted FROM customers WHERE entity_id=$1`, created.EntityID).Scan(&stillStored); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if !stillStored {
		t.Fatal("expected row to remain with deleted=true")
	}
}

func TestCustomerRepositoryBulkOperationsIntegration(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t, ctx)
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
		t.Skipf("skip integration test: schema bootstrap failed (%v)", err)
	}
	if err := truncateCustomers(ctx, pool); err != nil {
		t.Fatalf("truncate customers: %v", err)
	}

	store := evented.NewStore[domain.Customer](NewCustomerRepository(pool, logger), nil, logger)

	var mu sync.Mutex
	var deletes []domain.ChangeEvent[domain.Customer]
	store.Subscribe(domain.OperationDelete, func(_ context.Context, ev domain.ChangeEvent[domain.Customer]) error {
		mu.Lock()
		deletes = append(deletes, ev)
		mu.Unlock()
		return nil
	})

	batch := []domain.Customer{
		domain.NewCustomer("dup", "1", ""),
		domain.NewCustomer("dup", "2", ""),
		domain.NewCustomer("solo", "3", ""),
	}
	created, err := store.AddMany(ctx, batch)
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	if len(created) != 3 || created[0].ID >= created[2].ID {
		t.Fatalf("expected ordered sequence ids, got %+v", created)
	}

	n, err := store.DeleteWhere(ctx, domain.Filter{"name": "dup"})
	if err != nil || n != 2 {
		t.Fatalf("expected two deletions, got %d (%v)", n, err)
	}
	mu.Lock()
	if len(deletes) != 2 {
		t.Fatalf("expected two delete events, got %d", len(deletes))
	}
	for _, ev := range deletes {
		if ev.Before.Name != "dup" || ev.Before.Deleted || !ev.After.Deleted {
			t.Fatalf("unexpected delete snapshots: before=%+v after=%+v", ev.Before, ev.After)
		}
		if ev.Before.UpdatedAt.Equal(ev.After.UpdatedAt) {
			t.Fatalf("expected before snapshot to carry the pre-delete updated_at")
		}
	}
	mu.Unlock()

	count, err := store.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one live customer, got %d (%v)", count, err)
	}
	exists, err := store.Exists(ctx, domain.Filter{"name": "dup"})
	if err != nil || exists {
		t.Fatalf("expected deleted customers to be hidden, got %v (%v)", exists, err)
	}
}

func truncateCustomers(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `TRUNCATE TABLE customers RESTART IDENTITY`)
	return err
}

func integrationPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DATABASE_URL to run integration tests")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		t.Skipf("skip integration test: cannot create pgx pool (%v)", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: cannot reach database (%v)", err)
	}

	return pool
}
