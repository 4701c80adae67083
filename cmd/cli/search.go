// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/adiadia/customer-sync/internal/config"
	"github.com/adiadia/customer-sync/internal/search"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

type searchResult struct {
	Total     int               `json:"total"`
	Skip      int               `json:"skip"`
	Take      int               `json:"take"`
	Documents []search.Document `json:"documents"`
}

func runSearch(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("search", flag.ContinueOnError)
	skip := flags.Int("skip", 0, "number of matches to skip")
	take := flags.Int("take", 20, "maximum number of matches to print")
	if err := flags.Parse(args); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	return searchIndex(ctx, search.New(rdb, cfg.SearchPrefix, logger), strings.Join(flags.Args(), " "), *skip, *take, out)
}

func searchIndex(ctx context.Context, ix *search.Index, query string, skip, take int, out io.Writer) error {
	docs, total, err := ix.Search(ctx, query, skip, take)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}

	body, err := sonic.ConfigStd.MarshalIndent(searchResult{
		Total:     total,
		Skip:      skip,
		Take:      take,
		Documents: docs,
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(body))
	return err
}
