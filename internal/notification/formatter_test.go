// SPDX-License-Identifier: Apache-2.0

package notification

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
)

func TestCompose(t *testing.T) {
	c := domain.NewCustomer("Ada <Lovelace>", "555-0100", "ada@example.com")

	tests := []struct {
		name    string
		op      domain.OperationType
		subject string
		text    string
	}{
		{name: "insert", op: domain.OperationInsert, subject: "Your record has been created", text: "Your record has been created. Please verify the details \n Phone:555-0100"},
		{name: "update", op: domain.OperationUpdate, subject: "Your information has been updated", text: "Your information has been updated."},
		{name: "delete", op: domain.OperationDelete, subject: "Your record has been deleted", text: "We are sorry to see you leave!"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, ok := Compose(domain.NewChangeEvent(tc.op, domain.Customer{}, c))
			if !ok {
				t.Fatal("expected a notification")
			}
			if n.Subject != tc.subject {
				t.Fatalf("expected subject %q got %q", tc.subject, n.Subject)
			}
			if !strings.Contains(n.TextBody, tc.text) || !strings.HasPrefix(n.TextBody, "Dear Ada <Lovelace>,") {
				t.Fatalf("unexpected text body %q", n.TextBody)
			}
			if !strings.Contains(n.HTMLBody, "Ada &lt;Lovelace&gt;") {
				t.Fatalf("expected escaped name in html body, got %q", n.HTMLBody)
			}
			if len(n.To) != 1 || n.To[0] != "ada@example.com" || n.Operation != tc.op {
				t.Fatalf("unexpected addressing: %+v", n)
			}
		})
	}

	if _, ok := Compose(domain.NewChangeEvent(domain.OperationAny, domain.Customer{}, c)); ok {
		t.Fatal("expected no notification for ANY")
	}
}

func TestMailFormatterPublishes(t *testing.T) {
	p := &fakePublisher{}
	h := MailFormatter(p, "notifications", logging.Discard())

	c := domain.NewCustomer("Ada", "555", "ada@example.com")
	if err := h(context.Background(), domain.NewChangeEvent(domain.OperationInsert, domain.Customer{}, c)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	got := p.last()
	if got.topic != "notifications" || got.key != got.ev.ID.String() {
		t.Fatalf("unexpected publish %s/%s", got.topic, got.key)
	}
}

func TestMailFormatterSkipsCustomersWithoutEmail(t *testing.T) {
	p := &fakePublisher{}
	h := MailFormatter(p, "notifications", logging.Discard())

	c := domain.NewCustomer("Ada", "555", "")
	if err := h(context.Background(), domain.NewChangeEvent(domain.OperationInsert, domain.Customer{}, c)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(p.sent) != 0 {
		t.Fatalf("expected nothing published, got %d", len(p.sent))
	}
}

func TestMailFormatterReturnsPublishFailure(t *testing.T) {
	p := &fakePublisher{err: errors.New("broker down")}
	h := MailFormatter(p, "notifications", logging.Discard())

	c := domain.NewCustomer("Ada", "555", "ada@example.com")
	if err := h(context.Background(), domain.NewChangeEvent(domain.OperationDelete, c, c.MarkDeleted(fixedNow))); err == nil {
		t.Fatal("expected publish failure to be returned")
	}
}
