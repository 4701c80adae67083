// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/evented"
	"github.com/adiadia/customer-sync/internal/logging"
)

// Compose builds the customer-facing notification for a change event. ok is
// false for operations that do not notify.
func Compose(ev domain.ChangeEvent[domain.Customer]) (domain.NotificationEvent, bool) {
	c := ev.After
	name := c.Name
	phone := c.Phone

	var subject, text, body string
	switch ev.Operation {
	case domain.OperationInsert:
		subject = "Your record has been created"
		text = fmt.Sprintf("Dear %s, Your record has been created. Please verify the details \n Phone:%s", name, phone)
		body = fmt.Sprintf("<p>Dear %s, <br/> Your record has been created. <br/> Please verify the details:- <br/> Phone: <b>%s</b></p>",
			html.EscapeString(name), html.EscapeString(phone))
	case domain.OperationUpdate:
		subject = "Your information has been updated"
		text = fmt.Sprintf("Dear %s, Your information has been updated. Please verify the details \n Phone:%s", name, phone)
		body = fmt.Sprintf("<p>Dear %s, <br/> Your information has been updated. <br/> Please verify the details:- <br/> Phone: <b>%s</b></p>",
			html.EscapeString(name), html.EscapeString(phone))
	case domain.OperationDelete:
		subject = "Your record has been deleted"
		text = fmt.Sprintf("Dear %s, We are sorry to see you leave!", name)
		body = fmt.Sprintf("<p>Dear %s, <br/> We are sorry to see you leave! </p>", html.EscapeString(name))
	default:
		return domain.NotificationEvent{}, false
	}

	n := domain.NewNotificationEvent(ev.Operation, subject)
	if email := strings.TrimSpace(c.Email); email != "" {
		n.To = []string{email}
	}
	n.TextBody = text
	n.HTMLBody = body
	return n, true
}

// MailFormatter returns a change-event handler that publishes a customer
// notification to topic for every mutation. Customers without an email are
// skipped.
func MailFormatter(pub Publisher, topic string, logger *slog.Logger) evented.Handler[domain.Customer] {
	logger = logging.ForComponent(logger, "mail-formatter")
	return func(ctx context.Context, ev domain.ChangeEvent[domain.Customer]) error {
		n, ok := Compose(ev)
		if !ok {
			return nil
		}
		if len(n.To) == 0 {
			logger.Debug("customer has no email; skipping notification",
				"event_id", ev.ID,
				"entity_id", ev.After.EntityID,
			)
			return nil
		}

		if _, err := pub.Send(ctx, topic, n.ID.String(), n); err != nil {
			logger.Error("critical: customer notification not queued",
				"event_id", ev.ID,
				"operation", ev.Operation.String(),
				"entity_id", ev.After.EntityID,
				"error", err,
			)
			return fmt.Errorf("queue notification for %s: %w", ev.After.EntityID, err)
		}
		logger.Debug("customer notification queued",
			"event_id", ev.ID,
			"notification_id", n.ID,
			"operation", ev.Operation.String(),
		)
		return nil
	}
}
