// SPDX-License-Identifier: Apache-2.0

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Cfg selects the backing database. PostgresDSN wins when both are set.
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
}

type Option func(Cfg) Cfg

func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn
		return cfg
	}
}

func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path
		return cfg
	}
}

type customerRecord struct {
	EntityID string    `gorm:"primaryKey;column:entity_id;size:64"`
	SeqID    int64     `gorm:"column:seq_id;index"`
	Name     string    `gorm:"column:name"`
	Phone    string    `gorm:"column:phone"`
	Email    string    `gorm:"column:email"`
	Created  time.Time `gorm:"column:created_at"`
	Updated  time.Time `gorm:"column:updated_at"`
	Deleted  bool      `gorm:"column:deleted;index"`
}

func (customerRecord) TableName() string { return "customer_replica" }

func toRecord(c domain.Customer) customerRecord {
	return customerRecord{
		EntityID: c.EntityID,
		SeqID:    c.ID,
		Name:     c.Name,
		Phone:    c.Phone,
		Email:    c.Email,
		Created:  c.CreatedAt.UTC(),
		Updated:  c.UpdatedAt.UTC(),
		Deleted:  c.Deleted,
	}
}

func (r customerRecord) customer() domain.Customer {
	return domain.Customer{
		ID:        r.SeqID,
		EntityID:  r.EntityID,
		Name:      r.Name,
		Phone:     r.Phone,
		Email:     r.Email,
		CreatedAt: r.Created.UTC(),
		UpdatedAt: r.Updated.UTC(),
		Deleted:   r.Deleted,
	}
}

// Store is the secondary customer store kept in sync from change events.
// Writes are keyed by entity id so replaying an event leaves the same state.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func Open(logger *slog.Logger, opts ...Option) (*Store, error) {
	var cfg Cfg
	for _, opt := range opts {
		cfg = opt(cfg)
	}

	var dial gorm.Dialector
	switch {
	case cfg.PostgresDSN != "":
		dial = postgres.Open(cfg.PostgresDSN)
	case cfg.SQLitePath != "":
		dial = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, domain.FatalConfig("replica: either postgres dsn or sqlite path must be provided")
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("open replica: %w", err))
	}
	return New(db, logger)
}

// New wraps an open database and migrates the replica table.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&customerRecord{}); err != nil {
		return nil, fmt.Errorf("migrate replica: %w", err)
	}
	return &Store{db: db, logger: logging.ForComponent(logger, "replica")}, nil
}

// Upsert writes c, replacing any existing record with the same entity id
// unless that record was updated after c.
func (s *Store) Upsert(ctx context.Context, c domain.Customer) error {
	rec := toRecord(c)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			UpdateAll: true,
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.updated_at >= customer_replica.updated_at"},
			}},
		}).
		Create(&rec).Error
	if err != nil {
		s.logger.Error("replica upsert failed", "entity_id", c.EntityID, "error", err)
		return domain.Transient(err)
	}
	return nil
}

// Exists reports whether a live record with entityID is present.
func (s *Store) Exists(ctx context.Context, entityID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&customerRecord{}).
		Where("entity_id = ? AND deleted = ?", entityID, false).
		Count(&n).Error
	if err != nil {
		return false, domain.Transient(err)
	}
	return n > 0, nil
}

func (s *Store) Get(ctx context.Context, entityID string) (domain.Customer, error) {
	var rec customerRecord
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND deleted = ?", entityID, false).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Customer{}, fmt.Errorf("replica customer %s: %w", entityID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Customer{}, domain.Transient(err)
	}
	return rec.customer(), nil
}

// SoftDelete flags the record as deleted at the given instant.
func (s *Store) SoftDelete(ctx context.Context, entityID string, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&customerRecord{}).
		Where("entity_id = ?", entityID).
		Updates(map[string]any{"deleted": true, "updated_at": at.UTC()}).Error
	if err != nil {
		s.logger.Error("replica soft delete failed", "entity_id", entityID, "error", err)
		return domain.Transient(err)
	}
	return nil
}

// Count returns the number of live records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&customerRecord{}).Where("deleted = ?", false).Count(&n).Error; err != nil {
		return 0, domain.Transient(err)
	}
	return n, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
