// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Customer struct {
	ID        int64     `json:"id"`
	EntityID  string    `json:"entity_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deleted   bool      `json:"deleted"`
}

func NewCustomer(name, phone, email string) Customer {
	return Customer{
		EntityID: uuid.NewString(),
		Name:     strings.TrimSpace(name),
		Phone:    strings.TrimSpace(phone),
		Email:    strings.TrimSpace(email),
	}
}

func (c Customer) Key() string { return c.EntityID }

// MarkDeleted returns a copy flagged as deleted at the given instant.
func (c Customer) MarkDeleted(at time.Time) Customer {
	c.Deleted = true
	c.UpdatedAt = at
	return c
}

func (c Customer) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return Validation("customer name is required")
	}
	if strings.TrimSpace(c.Email) == "" && strings.TrimSpace(c.Phone) == "" {
		return Validation("customer needs an email or a phone")
	}
	if c.EntityID != "" {
		if _, err := uuid.Parse(c.EntityID); err != nil {
			return Validation("entity id %q is not a uuid", c.EntityID)
		}
	}
	return nil
}

// Filter selects entities by exact field equality. An empty filter matches
// every live entity.
type Filter map[string]string
