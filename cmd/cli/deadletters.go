// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/adiadia/customer-sync/internal/config"
	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	requeueGroupID    = "customer-sync-requeue"
	listGroupIDPrefix = "customer-sync-dead-letters-"
	listReadWait      = 10 * time.Second
)

// runListDeadLetters prints dead-lettered notifications from the start of
// every partition of the topic. It reads through a throwaway consumer group
// and never commits, so the listing leaves no offsets behind.
func runListDeadLetters(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
	limit := flags.Int("limit", 100, "maximum number of records to print")
	if err := flags.Parse(args); err != nil {
		return err
	}

	r := kafka.NewReader(deadLetterReaderConfig(cfg))
	defer r.Close()

	return listDeadLetters(ctx, r, messaging.GobCodec[domain.NotificationEvent]{}, *limit, listReadWait, out, logger)
}

func deadLetterReaderConfig(cfg config.Config) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     listGroupIDPrefix + uuid.NewString(),
		GroupTopics: []string{cfg.DeadLetterTopic},
		StartOffset: kafka.FirstOffset,
		MaxWait:     cfg.PollInterval,
	}
}

func listDeadLetters(
	ctx context.Context,
	r messaging.Reader,
	codec messaging.Codec[domain.NotificationEvent],
	limit int,
	wait time.Duration,
	out io.Writer,
	logger *slog.Logger,
) error {
	printed := 0
	for printed < limit {
		readCtx, cancel := context.WithTimeout(ctx, wait)
		msg, err := r.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read dead letters: %w", err)
		}

		ev, err := codec.Decode(msg.Value)
		if err != nil {
			logger.Warn("skipping undecodable dead letter", "offset", msg.Offset, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(out, "partition=%d offset=%d id=%s retries=%d to=%v subject=%q\n",
			msg.Partition, msg.Offset, ev.ID, ev.RetryCount, ev.To, ev.Subject)
		for _, line := range ev.RetryLog {
			_, _ = fmt.Fprintf(out, "    %s\n", line)
		}
		printed++
	}
	logger.Info("dead letters listed", "count", printed)
	return nil
}

// runRequeue drains the dead-letter topic for the given duration and
// republishes every notification with a fresh retry budget.
func runRequeue(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("requeue", flag.ContinueOnError)
	window := flags.Duration("for", 30*time.Second, "how long to drain the dead-letter topic")
	if err := flags.Parse(args); err != nil {
		return err
	}

	broker := cfg.Broker(requeueGroupID)
	producer, err := messaging.NewProducer[domain.NotificationEvent](broker, nil, logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := messaging.NewConsumer[domain.NotificationEvent](broker, []string{cfg.DeadLetterTopic}, nil, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(ctx, *window)
	defer cancel()

	requeued := 0
	err = consumer.Run(ctx, func(ctx context.Context, msg messaging.Message[domain.NotificationEvent]) error {
		ev := resetForRequeue(msg.Value, time.Now().UTC())
		if _, err := producer.Send(ctx, cfg.NotificationsTopic, ev.ID.String(), ev); err != nil {
			return err
		}
		requeued++
		return nil
	}, nil, nil)
	logger.Info("requeue finished", "requeued", requeued, "topic", cfg.NotificationsTopic)
	return err
}

// resetForRequeue gives ev a fresh retry budget and keeps its history.
func resetForRequeue(ev domain.NotificationEvent, at time.Time) domain.NotificationEvent {
	ev.RetryLog = append(append([]string(nil), ev.RetryLog...),
		fmt.Sprintf("event=%s requeued by operator at=%s after retry=%d", ev.ID, at.Format(time.RFC3339), ev.RetryCount))
	ev.RetryCount = 0
	ev.NotBefore = time.Time{}
	return ev
}
