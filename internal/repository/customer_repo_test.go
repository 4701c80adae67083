// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewCustomerRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var pool *pgxpool.Pool

	repo := NewCustomerRepository(pool, logger)
	if repo == nil {
		t.Fatal("expected customer repository instance")
	}
	if repo.pool != pool {
		t.Fatal("expected pool reference to be preserved")
	}
	if repo.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
}

func TestBuildFilter(t *testing.T) {
	where, args, err := buildFilter(nil, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if where != "deleted=FALSE" || len(args) != 0 {
		t.Fatalf("unexpected empty filter: %q %v", where, args)
	}

	where, args, err = buildFilter(domain.Filter{"name": "Ada", "email": "ada@example.com"}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if where != "deleted=FALSE AND email=$2 AND name=$3" {
		t.Fatalf("unexpected clause: %q", where)
	}
	if len(args) != 2 || args[0] != "ada@example.com" || args[1] != "Ada" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestBuildFilterRejectsUnknownFields(t *testing.T) {
	_, _, err := buildFilter(domain.Filter{"deleted": "true"}, 1)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatal("expected unique violation to be detected")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("expected foreign key violation not to match")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Fatal("expected plain error not to match")
	}
}
