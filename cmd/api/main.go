// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adiadia/customer-sync/internal/config"
	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/evented"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/notification"
	"github.com/adiadia/customer-sync/internal/persistence/postgres"
	"github.com/adiadia/customer-sync/internal/repository"
	httptransport "github.com/adiadia/customer-sync/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
	}

	broker := cfg.Broker("")
	changes, err := messaging.NewProducer[domain.ChangeEvent[domain.Customer]](broker, nil, logger)
	if err != nil {
		log.Fatalf("change event producer: %v", err)
	}
	defer changes.Close()

	notifications, err := messaging.NewProducer[domain.NotificationEvent](broker, nil, logger)
	if err != nil {
		log.Fatalf("notification producer: %v", err)
	}
	defer notifications.Close()

	store := evented.NewStore[domain.Customer](repository.NewCustomerRepository(pool, logger), nil, logger)
	store.Subscribe(domain.OperationAny, evented.StreamTo[domain.Customer](changes, cfg.ChangeEventsTopic))
	store.Subscribe(domain.OperationAny, notification.MailFormatter(notifications, cfg.NotificationsTopic, logger))

	handler := httptransport.NewRouter(httptransport.Deps{
		Customers: store,
		Health:    postgres.NewSchemaHealthChecker(pool),
		Logger:    logger,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	})

	logger.Info("api starting",
		"addr", cfg.HTTPAddr,
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"change_events_topic", cfg.ChangeEventsTopic,
		"notifications_topic", cfg.NotificationsTopic,
	)

	if err := httptransport.Serve(ctx, cfg.HTTPAddr, handler, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}
