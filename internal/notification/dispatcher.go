// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/mail"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/metrics"
)

const DefaultRetryLimit = 3

type Outcome string

const (
	OutcomeSent         Outcome = "SENT"
	OutcomeRetrying     Outcome = "RETRYING"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
	OutcomeDropped      Outcome = "DROPPED"
)

type Mailer interface {
	Send(ctx context.Context, e mail.Email) error
}

// Publisher puts notification events back on the broker.
// *messaging.Producer[domain.NotificationEvent] implements it.
type Publisher interface {
	Send(ctx context.Context, topic, key string, ev domain.NotificationEvent) (messaging.Receipt, error)
}

type Deps struct {
	Mailer          Mailer
	Publisher       Publisher
	Topic           string
	DeadLetterTopic string
	RetryLimit      int
	Backoff         messaging.BackoffFunc
	Logger          *slog.Logger
	Now             func() time.Time
}

// Dispatcher delivers notification events by email. A failed delivery is
// requeued on Topic with a later NotBefore until RetryCount exceeds
// RetryLimit, after which the event goes to DeadLetterTopic.
type Dispatcher struct {
	mailer          Mailer
	publisher       Publisher
	topic           string
	deadLetterTopic string
	retryLimit      int
	backoff         messaging.BackoffFunc
	logger          *slog.Logger
	now             func() time.Time
}

func NewDispatcher(deps Deps) (*Dispatcher, error) {
	if deps.Mailer == nil {
		return nil, domain.FatalConfig("notification: mailer is required")
	}
	if deps.Publisher == nil {
		return nil, domain.FatalConfig("notification: publisher is required")
	}
	if deps.Topic == "" || deps.DeadLetterTopic == "" {
		return nil, domain.FatalConfig("notification: topic and dead-letter topic are required")
	}
	if deps.RetryLimit <= 0 {
		deps.RetryLimit = DefaultRetryLimit
	}
	if deps.Backoff == nil {
		deps.Backoff = messaging.ExponentialBackoff(2*time.Second, 2, 5*time.Minute, 0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Dispatcher{
		mailer:          deps.Mailer,
		publisher:       deps.Publisher,
		topic:           deps.Topic,
		deadLetterTopic: deps.DeadLetterTopic,
		retryLimit:      deps.RetryLimit,
		backoff:         deps.Backoff,
		logger:          logging.ForComponent(deps.Logger, "notifier"),
		now:             deps.Now,
	}, nil
}

// Handle adapts Process to a consumer callback.
func (d *Dispatcher) Handle(ctx context.Context, msg messaging.Message[domain.NotificationEvent]) error {
	_, err := d.Process(ctx, msg.Value)
	return err
}

// Process runs one delivery attempt. The returned error is non-nil only when
// the event could not be settled: the wait was cancelled, or the requeue or
// dead-letter publish failed.
func (d *Dispatcher) Process(ctx context.Context, ev domain.NotificationEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		metrics.IncNotification(metrics.NotificationDropped)
		d.logger.Error("dropping notification without recipients",
			"event_id", ev.ID,
			"subject", ev.Subject,
			"error", err,
		)
		return OutcomeDropped, nil
	}

	if wait := ev.NotBefore.Sub(d.now()); wait > 0 {
		d.logger.Debug("waiting before delivery", "event_id", ev.ID, "wait", wait)
		if !messaging.Sleep(ctx, wait) {
			return OutcomeRetrying, ctx.Err()
		}
	}

	err := d.mailer.Send(ctx, mail.Email{
		To:       ev.To,
		CC:       ev.CC,
		BCC:      ev.BCC,
		Subject:  ev.Subject,
		TextBody: ev.TextBody,
		HTMLBody: ev.HTMLBody,
	})
	if err == nil {
		metrics.IncNotification(metrics.NotificationSent)
		d.logger.Info("notification sent",
			"event_id", ev.ID,
			"retry_count", ev.RetryCount,
		)
		return OutcomeSent, nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return OutcomeRetrying, err
	}

	return d.reschedule(ctx, ev, err)
}

func (d *Dispatcher) reschedule(ctx context.Context, ev domain.NotificationEvent, cause error) (Outcome, error) {
	next := ev
	next.RetryCount = ev.RetryCount + 1
	next.RetryLog = append(append([]string(nil), ev.RetryLog...),
		fmt.Sprintf("event=%s retry=%d at=%s error=%v",
			ev.ID, next.RetryCount, d.now().UTC().Format(time.RFC3339), cause))

	if next.RetryCount > d.retryLimit {
		next.NotBefore = time.Time{}
		if _, err := d.publisher.Send(ctx, d.deadLetterTopic, ev.ID.String(), next); err != nil {
			d.logger.Error("critical: notification could not be dead-lettered",
				"event_id", ev.ID,
				"retry_count", next.RetryCount,
				"dead_letter_topic", d.deadLetterTopic,
				"cause", cause,
				"error", err,
			)
			return OutcomeDeadLettered, fmt.Errorf("dead-letter notification %s: %w", ev.ID, err)
		}
		metrics.IncNotification(metrics.NotificationDeadLettered)
		d.logger.Warn("notification dead-lettered",
			"event_id", ev.ID,
			"retry_count", next.RetryCount,
			"error", cause,
		)
		return OutcomeDeadLettered, nil
	}

	next.NotBefore = d.now().Add(d.backoff(next.RetryCount)).UTC()
	if _, err := d.publisher.Send(ctx, d.topic, ev.ID.String(), next); err != nil {
		d.logger.Error("critical: notification could not be requeued",
			"event_id", ev.ID,
			"retry_count", next.RetryCount,
			"topic", d.topic,
			"cause", cause,
			"error", err,
		)
		return OutcomeRetrying, fmt.Errorf("requeue notification %s: %w", ev.ID, err)
	}
	metrics.IncNotification(metrics.NotificationRetried)
	d.logger.Warn("notification delivery failed; requeued",
		"event_id", ev.ID,
		"retry_count", next.RetryCount,
		"not_before", next.NotBefore,
		"error", cause,
	)
	return OutcomeRetrying, nil
}
