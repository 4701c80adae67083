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
	"github.com/adiadia/customer-sync/internal/mail"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/notification"
	httptransport "github.com/adiadia/customer-sync/internal/transport/http"
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

	mailer, err := mail.NewSMTPSender(cfg.SMTP, logger)
	if err != nil {
		log.Fatalf("smtp config: %v", err)
	}

	broker := cfg.Broker(cfg.NotifierGroupID)
	producer, err := messaging.NewProducer[domain.NotificationEvent](broker, nil, logger)
	if err != nil {
		log.Fatalf("notification producer: %v", err)
	}
	defer producer.Close()

	dispatcher, err := notification.NewDispatcher(notification.Deps{
		Mailer:          mailer,
		Publisher:       producer,
		Topic:           cfg.NotificationsTopic,
		DeadLetterTopic: cfg.DeadLetterTopic,
		RetryLimit:      cfg.RetryLimit,
		Backoff:         messaging.ExponentialBackoff(cfg.RetryBaseDelay, 2, cfg.RetryMaxDelay, 0.1),
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("notification dispatcher: %v", err)
	}

	consumer, err := messaging.NewConsumer[domain.NotificationEvent](
		broker,
		[]string{cfg.NotificationsTopic},
		nil,
		logger,
		messaging.WithDeadLetter(cfg.DeadLetterTopic, producer),
		messaging.WithRetry(cfg.HandlerMaxAttempts,
			messaging.ExponentialBackoff(cfg.PollInterval, 2, cfg.RetryMaxDelay, 0.2)),
	)
	if err != nil {
		log.Fatalf("notification consumer: %v", err)
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

	logger.Info("notifier started",
		"topic", cfg.NotificationsTopic,
		"dead_letter_topic", cfg.DeadLetterTopic,
		"group", cfg.NotifierGroupID,
		"retry_limit", cfg.RetryLimit,
		"version", Version,
	)

	err = consumer.Run(ctx, dispatcher.Handle,
		func(err error) {
			logger.Warn("broker error", "error", err)
		},
		func(msg kafka.Message, err error) {
			logger.Error("undecodable notification",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		},
	)
	if err != nil {
		logger.Error("notifier stopped on unrecoverable error", "error", err)
		os.Exit(1)
	}
	logger.Info("notifier stopped")
}
