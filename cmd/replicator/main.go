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
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/replica"
	"github.com/adiadia/customer-sync/internal/replication"
	"github.com/adiadia/customer-sync/internal/search"
	httptransport "github.com/adiadia/customer-sync/internal/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
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

	var replicaOpts []replica.Option
	if cfg.ReplicaPostgresDSN != "" {
		replicaOpts = append(replicaOpts, replica.WithPostgresDB(cfg.ReplicaPostgresDSN))
	} else {
		replicaOpts = append(replicaOpts, replica.WithSQLiteDB(cfg.ReplicaSQLitePath))
	}
	rep, err := replica.Open(logger, replicaOpts...)
	if err != nil {
		log.Fatalf("replica open failed: %v", err)
	}
	defer rep.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}

	broker := cfg.Broker(cfg.ReplicatorGroupID)
	notifications, err := messaging.NewProducer[domain.NotificationEvent](broker, nil, logger)
	if err != nil {
		log.Fatalf("notification producer: %v", err)
	}
	defer notifications.Close()

	deadLetters, err := messaging.NewProducer[domain.ChangeEvent[domain.Customer]](broker, nil, logger)
	if err != nil {
		log.Fatalf("dead-letter producer: %v", err)
	}
	defer deadLetters.Close()

	coordinator, err := replication.NewCoordinator(replication.Deps{
		Replica:           rep,
		Index:             search.New(rdb, cfg.SearchPrefix, logger),
		Notifier:          notifications,
		NotificationTopic: cfg.NotificationsTopic,
		OperatorEmails:    cfg.OperatorEmails,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("replication coordinator: %v", err)
	}

	consumer, err := messaging.NewConsumer[domain.ChangeEvent[domain.Customer]](
		broker,
		[]string{cfg.ChangeEventsTopic},
		nil,
		logger,
		messaging.WithDeadLetter(cfg.ChangeEventsDeadLetter, deadLetters),
		messaging.WithRetry(cfg.HandlerMaxAttempts,
			messaging.ExponentialBackoff(cfg.PollInterval, 2, cfg.RetryMaxDelay, 0.2)),
	)
	if err != nil {
		log.Fatalf("change event consumer: %v", err)
	}
	defer consumer.Close()

	go func() {
		ops := httptransport.NewOpsRouter(httptransport.Deps{
			Logger:    logger,
			Version:   Version,
			Commit:    Commit,
			BuildDate: BuildDate,
		})
		if err := httptransport.Serve(ctx, cfg.MetricsAddr, ops, logger); err != nil {
			logger.Error("metrics listener failed", "error", err)
		}
	}()

	logger.Info("replicator started",
		"topic", cfg.ChangeEventsTopic,
		"group", cfg.ReplicatorGroupID,
		"version", Version,
	)

	err = consumer.Run(ctx, coordinator.Handle,
		func(err error) {
			logger.Warn("broker error", "error", err)
		},
		func(msg kafka.Message, err error) {
			logger.Error("undecodable change event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		},
	)
	if err != nil {
		logger.Error("replicator stopped on unrecoverable error", "error", err)
		os.Exit(1)
	}
	logger.Info("replicator stopped")
}
