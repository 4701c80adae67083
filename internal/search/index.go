// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "customers"

// Document is the searchable projection of a customer, keyed by its
// sequence id.
type Document struct {
	ID        int64     `json:"id"`
	EntityID  string    `json:"entityId"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func DocumentFrom(c domain.Customer) Document {
	return Document{
		ID:        c.ID,
		EntityID:  c.EntityID,
		Name:      c.Name,
		Phone:     c.Phone,
		Email:     c.Email,
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}

func (d Document) matches(q string) bool {
	for _, field := range []string{d.Name, d.Email, d.Phone} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Index stores documents as JSON strings under <prefix>:doc:<id> and keeps
// the id set ordered in <prefix>:ids.
type Index struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *Index {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Index{
		rdb:    rdb,
		prefix: prefix,
		logger: logging.ForComponent(logger, "search"),
	}
}

func (ix *Index) docKey(id int64) string {
	return ix.prefix + ":doc:" + strconv.FormatInt(id, 10)
}

func (ix *Index) idsKey() string {
	return ix.prefix + ":ids"
}

// Index writes d, replacing any document with the same id.
func (ix *Index) Index(ctx context.Context, d Document) error {
	return ix.IndexMany(ctx, []Document{d})
}

func (ix *Index) IndexMany(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	_, err := ix.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range docs {
			data, err := sonic.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode document %d: %w", d.ID, err)
			}
			pipe.Set(ctx, ix.docKey(d.ID), data, 0)
			pipe.ZAdd(ctx, ix.idsKey(), redis.Z{Score: float64(d.ID), Member: d.ID})
		}
		return nil
	})
	if err != nil {
		ix.logger.Error("index documents failed", "count", len(docs), "error", err)
		return domain.Transient(err)
	}
	return nil
}

// Update replaces an indexed document. It is Index under another name so
// replayed updates converge on the same state.
func (ix *Index) Update(ctx context.Context, d Document) error {
	return ix.Index(ctx, d)
}

func (ix *Index) Delete(ctx context.Context, id int64) error {
	_, err := ix.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, ix.docKey(id))
		pipe.ZRem(ctx, ix.idsKey(), id)
		return nil
	})
	if err != nil {
		ix.logger.Error("delete document failed", "id", id, "error", err)
		return domain.Transient(err)
	}
	return nil
}

func (ix *Index) Exists(ctx context.Context, id int64) (bool, error) {
	n, err := ix.rdb.Exists(ctx, ix.docKey(id)).Result()
	if err != nil {
		return false, domain.Transient(err)
	}
	return n > 0, nil
}

func (ix *Index) Get(ctx context.Context, id int64) (Document, error) {
	data, err := ix.rdb.Get(ctx, ix.docKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, fmt.Errorf("document %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return Document{}, domain.Transient(err)
	}

	var d Document
	if err := sonic.Unmarshal(data, &d); err != nil {
		return Document{}, fmt.Errorf("decode document %d: %w", id, err)
	}
	return d, nil
}

// Search returns documents whose name, email or phone contains query,
// ignoring case, in id order. skip and take page through the matches and
// total is the number of matches before paging. An empty query matches
// everything; take <= 0 means no limit.
func (ix *Index) Search(ctx context.Context, query string, skip, take int) ([]Document, int, error) {
	if skip < 0 {
		skip = 0
	}
	q := strings.ToLower(strings.TrimSpace(query))

	ids, err := ix.rdb.ZRange(ctx, ix.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, domain.Transient(err)
	}
	if len(ids) == 0 {
		return []Document{}, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ix.prefix + ":doc:" + id
	}
	values, err := ix.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, domain.Transient(err)
	}

	out := make([]Document, 0)
	total := 0
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var d Document
		if err := sonic.UnmarshalString(s, &d); err != nil {
			ix.logger.Warn("skipping undecodable document", "key", keys[i], "error", err)
			continue
		}
		if q != "" && !d.matches(q) {
			continue
		}
		total++
		if total <= skip || (take > 0 && len(out) >= take) {
			continue
		}
		out = append(out, d)
	}
	return out, total, nil
}
