// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type NotificationEvent struct {
	ID         uuid.UUID     `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Operation  OperationType `json:"operation"`
	Subject    string        `json:"subject"`
	TextBody   string        `json:"text_body,omitempty"`
	HTMLBody   string        `json:"html_body,omitempty"`
	To         []string      `json:"to"`
	CC         []string      `json:"cc,omitempty"`
	BCC        []string      `json:"bcc,omitempty"`
	RetryCount int           `json:"retry_count"`
	RetryLog   []string      `json:"retry_log,omitempty"`
	NotBefore  time.Time     `json:"not_before"`
}

func NewNotificationEvent(op OperationType, subject string, to ...string) NotificationEvent {
	return NotificationEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Operation: op,
		Subject:   subject,
		To:        append([]string(nil), to...),
	}
}

func (n NotificationEvent) Validate() error {
	recipients := 0
	for _, to := range n.To {
		if strings.TrimSpace(to) != "" {
			recipients++
		}
	}
	if recipients == 0 {
		return Validation("notification %s has no recipients", n.ID)
	}
	return nil
}
