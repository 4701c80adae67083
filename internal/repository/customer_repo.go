// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const customerColumns = `id, entity_id, name, phone, email, created_at, updated_at, deleted`

// filterColumns maps filter keys to the columns they may compare.
var filterColumns = map[string]string{
	"entity_id": "entity_id",
	"name":      "name",
	"phone":     "phone",
	"email":     "email",
}

// CustomerRepository is the PostgreSQL primary store for customers. Every
// lookup excludes soft-deleted rows.
type CustomerRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewCustomerRepository(pool *pgxpool.Pool, logger *slog.Logger) *CustomerRepository {
	return &CustomerRepository{
		pool:   pool,
		logger: logger,
	}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *CustomerRepository) Insert(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	created, err := insertCustomer(ctx, r.pool, c)
	if err != nil {
		r.logger.Error("insert customer failed", "entity_id", c.EntityID, "error", err)
		return domain.Customer{}, err
	}
	return created, nil
}

func (r *CustomerRepository) InsertMany(ctx context.Context, cs []domain.Customer) ([]domain.Customer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, domain.Transient(err)
	}
	defer tx.Rollback(ctx)

	out := make([]domain.Customer, 0, len(cs))
	for _, c := range cs {
		created, err := insertCustomer(ctx, tx, c)
		if err != nil {
			r.logger.Error("bulk insert customer failed", "entity_id", c.EntityID, "error", err)
			return nil, err
		}
		out = append(out, created)
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "count", len(cs), "error", err)
		return nil, domain.Transient(err)
	}
	return out, nil
}

func insertCustomer(ctx context.Context, q rowQuerier, c domain.Customer) (domain.Customer, error) {
	if c.EntityID == "" {
		c.EntityID = uuid.NewString()
	}

	err := q.QueryRow(ctx,
		`INSERT INTO customers (entity_id, name, phone, email)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+customerColumns,
		c.EntityID, c.Name, c.Phone, c.Email,
	).Scan(customerFields(&c)...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, domain.Validation("customer %s already exists", c.EntityID)
		}
		return domain.Customer{}, domain.Transient(err)
	}
	return c, nil
}

func (r *CustomerRepository) Replace(ctx context.Context, c domain.Customer, at time.Time) (domain.Customer, domain.Customer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.Customer{}, domain.Customer{}, domain.Transient(err)
	}
	defer tx.Rollback(ctx)

	before, err := lockLiveCustomer(ctx, tx, c.EntityID)
	if err != nil {
		return domain.Customer{}, domain.Customer{}, r.lookupError("read customer for update failed", c.EntityID, err)
	}

	var after domain.Customer
	if err := tx.QueryRow(ctx,
		`UPDATE customers
		 SET name=$2, phone=$3, email=$4, updated_at=$5
		 WHERE entity_id=$1
		 RETURNING `+customerColumns,
		c.EntityID, c.Name, c.Phone, c.Email, at,
	).Scan(customerFields(&after)...); err != nil {
		r.logger.Error("update customer failed", "entity_id", c.EntityID, "error", err)
		return domain.Customer{}, domain.Customer{}, domain.Transient(err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "entity_id", c.EntityID, "error", err)
		return domain.Customer{}, domain.Customer{}, domain.Transient(err)
	}
	return before, after, nil
}

func (r *CustomerRepository) SoftDelete(ctx context.Context, entityID string, at time.Time) (domain.Customer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return domain.Customer{}, domain.Transient(err)
	}
	defer tx.Rollback(ctx)

	before, err := lockLiveCustomer(ctx, tx, entityID)
	if err != nil {
		return domain.Customer{}, r.lookupError("read customer for delete failed", entityID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE customers SET deleted=TRUE, updated_at=$2 WHERE entity_id=$1`,
		entityID, at,
	); err != nil {
		r.logger.Error("soft delete customer failed", "entity_id", entityID, "error", err)
		return domain.Customer{}, domain.Transient(err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "entity_id", entityID, "error", err)
		return domain.Customer{}, domain.Transient(err)
	}
	return before, nil
}

// SoftDeleteWhere counts the matching rows, then flags them and returns the
// rows the UPDATE touched as they were before it. Concurrent writers between
// the two statements make the count and the returned rows differ.
func (r *CustomerRepository) SoftDeleteWhere(ctx context.Context, f domain.Filter, at time.Time) ([]domain.Customer, int64, error) {
	countWhere, countArgs, err := buildFilter(f, 1)
	if err != nil {
		return nil, 0, err
	}
	where, args, err := buildFilter(f, 2)
	if err != nil {
		return nil, 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return nil, 0, domain.Transient(err)
	}
	defer tx.Rollback(ctx)

	var matched int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM customers WHERE `+countWhere, countArgs...).Scan(&matched); err != nil {
		r.logger.Error("count customers for bulk delete failed", "filter", f, "error", err)
		return nil, 0, domain.Transient(err)
	}

	rows, err := tx.Query(ctx,
		`WITH target AS (
			SELECT id, updated_at FROM customers WHERE `+where+` FOR UPDATE
		 )
		 UPDATE customers c
		 SET deleted=TRUE, updated_at=$1
		 FROM target t
		 WHERE c.id = t.id
		 RETURNING c.id, c.entity_id, c.name, c.phone, c.email, c.created_at, t.updated_at, FALSE`,
		append([]any{at}, args...)...,
	)
	if err != nil {
		r.logger.Error("bulk soft delete failed", "filter", f, "error", err)
		return nil, 0, domain.Transient(err)
	}
	modified, err := collectCustomers(rows)
	if err != nil {
		r.logger.Error("bulk soft delete failed", "filter", f, "error", err)
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "filter", f, "error", err)
		return nil, 0, domain.Transient(err)
	}
	return modified, matched, nil
}

func (r *CustomerRepository) Get(ctx context.Context, entityID string) (domain.Customer, error) {
	var c domain.Customer
	err := r.pool.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE entity_id=$1 AND deleted=FALSE`,
		entityID,
	).Scan(customerFields(&c)...)
	if err != nil {
		return domain.Customer{}, r.lookupError("get customer failed", entityID, err)
	}
	return c, nil
}

func (r *CustomerRepository) List(ctx context.Context) ([]domain.Customer, error) {
	return r.Find(ctx, nil)
}

func (r *CustomerRepository) Find(ctx context.Context, f domain.Filter) ([]domain.Customer, error) {
	where, args, err := buildFilter(f, 1)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE `+where+` ORDER BY id`,
		args...,
	)
	if err != nil {
		r.logger.Error("find customers failed", "filter", f, "error", err)
		return nil, domain.Transient(err)
	}
	out, err := collectCustomers(rows)
	if err != nil {
		r.logger.Error("read customers failed", "filter", f, "error", err)
		return nil, err
	}
	return out, nil
}

func collectCustomers(rows pgx.Rows) ([]domain.Customer, error) {
	defer rows.Close()

	out := make([]domain.Customer, 0)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(customerFields(&c)...); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(err)
	}
	return out, nil
}

func (r *CustomerRepository) Count(ctx context.Context, f domain.Filter) (int64, error) {
	where, args, err := buildFilter(f, 1)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers WHERE `+where, args...).Scan(&n); err != nil {
		r.logger.Error("count customers failed", "filter", f, "error", err)
		return 0, domain.Transient(err)
	}
	return n, nil
}

func (r *CustomerRepository) lookupError(msg, entityID string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("customer %s: %w", entityID, domain.ErrNotFound)
	}
	r.logger.Error(msg, "entity_id", entityID, "error", err)
	return domain.Transient(err)
}

func lockLiveCustomer(ctx context.Context, tx pgx.Tx, entityID string) (domain.Customer, error) {
	var c domain.Customer
	err := tx.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE entity_id=$1 AND deleted=FALSE FOR UPDATE`,
		entityID,
	).Scan(customerFields(&c)...)
	return c, err
}

func customerFields(c *domain.Customer) []any {
	return []any{&c.ID, &c.EntityID, &c.Name, &c.Phone, &c.Email, &c.CreatedAt, &c.UpdatedAt, &c.Deleted}
}

// buildFilter renders f as a WHERE clause over live rows with placeholders
// numbered from first. Keys are emitted in sorted order.
func buildFilter(f domain.Filter, first int) (string, []any, error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := []string{"deleted=FALSE"}
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		col, ok := filterColumns[k]
		if !ok {
			return "", nil, domain.Validation("unknown filter field %q", k)
		}
		args = append(args, f[k])
		clauses = append(clauses, fmt.Sprintf("%s=$%d", col, first+len(args)-1))
	}
	return strings.Join(clauses, " AND "), args, nil
}
