// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/customer-sync/internal/config"
	"github.com/adiadia/customer-sync/internal/logging"
)

func main() {
	logger := logging.NewCLILogger()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(ctx, logger)
		if err == nil {
			logger.Info("validation passed")
		}
	case "search":
		err = runSearch(ctx, cfg, logger, args, os.Stdout)
	case "dead-letters":
		err = runListDeadLetters(ctx, cfg, logger, args, os.Stdout)
	case "requeue":
		err = runRequeue(ctx, cfg, logger, args)
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `usage: go run ./cmd/cli <command> [flags]

commands:
  validate                             gofmt, vet, unit and integration tests
  search [-skip N] [-take N] <query>   query the customer search index
  dead-letters [-limit N]              print dead-lettered notifications
  requeue [-for D]                     move dead-lettered notifications back to the notification topic`)
}
