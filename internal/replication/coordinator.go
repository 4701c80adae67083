// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/metrics"
	"github.com/adiadia/customer-sync/internal/notification"
	"github.com/adiadia/customer-sync/internal/search"
)

const failureSubject = "Data Replication Error"

type State string

const (
	StateReceived State = "RECEIVED"
	StateApplying State = "APPLYING"
	StateApplied  State = "APPLIED"
	StateFailed   State = "FAILED"
)

// Replica is the secondary store. *replica.Store implements it.
type Replica interface {
	Upsert(ctx context.Context, c domain.Customer) error
	Exists(ctx context.Context, entityID string) (bool, error)
	SoftDelete(ctx context.Context, entityID string, at time.Time) error
}

// Index is the search index. *search.Index implements it.
type Index interface {
	Index(ctx context.Context, d search.Document) error
	Update(ctx context.Context, d search.Document) error
	Exists(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
}

type Deps struct {
	Replica           Replica
	Index             Index
	Notifier          notification.Publisher
	NotificationTopic string
	OperatorEmails    []string
	Logger            *slog.Logger
}

// Coordinator applies customer change events to the replica and the search
// index. Writes are keyed by entity id and sequence id, so redelivered
// events leave both stores unchanged.
type Coordinator struct {
	replica           Replica
	index             Index
	notifier          notification.Publisher
	notificationTopic string
	operators         []string
	logger            *slog.Logger
}

func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Replica == nil || deps.Index == nil {
		return nil, domain.FatalConfig("replication: replica and index are required")
	}
	if deps.Notifier == nil || deps.NotificationTopic == "" {
		return nil, domain.FatalConfig("replication: notifier and notification topic are required")
	}
	return &Coordinator{
		replica:           deps.Replica,
		index:             deps.Index,
		notifier:          deps.Notifier,
		notificationTopic: deps.NotificationTopic,
		operators:         append([]string(nil), deps.OperatorEmails...),
		logger:            logging.ForComponent(deps.Logger, "replicator"),
	}, nil
}

// Handle adapts Process to a consumer callback.
func (c *Coordinator) Handle(ctx context.Context, msg messaging.Message[domain.ChangeEvent[domain.Customer]]) error {
	_, err := c.Process(ctx, msg.Value)
	return err
}

// Process applies ev and reports failures to operators. It returns an error
// only when the failure report itself could not be published.
func (c *Coordinator) Process(ctx context.Context, ev domain.ChangeEvent[domain.Customer]) (State, error) {
	c.logger.Debug("change event received",
		"event_id", ev.ID,
		"operation", ev.Operation.String(),
		"state", StateReceived,
	)

	c.logger.Debug("applying change event", "event_id", ev.ID, "state", StateApplying)
	if err := c.Apply(ctx, ev); err != nil {
		metrics.IncReplicationApplied(ev.Operation, metrics.ResultFailed)
		c.logger.Error("replication failed",
			"event_id", ev.ID,
			"operation", ev.Operation.String(),
			"state", StateFailed,
			"error", err,
		)
		return StateFailed, c.reportFailure(ctx, ev, err)
	}

	metrics.IncReplicationApplied(ev.Operation, metrics.ResultOK)
	c.logger.Info("change event replicated",
		"event_id", ev.ID,
		"operation", ev.Operation.String(),
		"state", StateApplied,
	)
	return StateApplied, nil
}

// Apply writes ev to the replica and then to the index.
func (c *Coordinator) Apply(ctx context.Context, ev domain.ChangeEvent[domain.Customer]) error {
	switch ev.Operation {
	case domain.OperationInsert:
		if err := c.replica.Upsert(ctx, ev.After); err != nil {
			return fmt.Errorf("replica insert %s: %w", ev.After.EntityID, err)
		}
		if err := c.index.Index(ctx, search.DocumentFrom(ev.After)); err != nil {
			return fmt.Errorf("index insert %d: %w", ev.After.ID, err)
		}
		return nil

	case domain.OperationUpdate:
		if err := c.replica.Upsert(ctx, ev.After); err != nil {
			return fmt.Errorf("replica update %s: %w", ev.After.EntityID, err)
		}
		if err := c.index.Update(ctx, search.DocumentFrom(ev.After)); err != nil {
			return fmt.Errorf("index update %d: %w", ev.After.ID, err)
		}
		return nil

	case domain.OperationDelete:
		return c.applyDelete(ctx, ev)

	default:
		return domain.Validation("unsupported operation %s", ev.Operation)
	}
}

func (c *Coordinator) applyDelete(ctx context.Context, ev domain.ChangeEvent[domain.Customer]) error {
	target := ev.Before
	if target.EntityID == "" {
		target = ev.After
	}
	at := ev.After.UpdatedAt
	if at.IsZero() {
		at = ev.Timestamp
	}

	exists, err := c.replica.Exists(ctx, target.EntityID)
	if err != nil {
		return fmt.Errorf("replica lookup %s: %w", target.EntityID, err)
	}
	if exists {
		if err := c.replica.SoftDelete(ctx, target.EntityID, at); err != nil {
			return fmt.Errorf("replica delete %s: %w", target.EntityID, err)
		}
	} else {
		c.logger.Debug("replica record already absent", "event_id", ev.ID, "entity_id", target.EntityID)
	}

	indexed, err := c.index.Exists(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("index lookup %d: %w", target.ID, err)
	}
	if indexed {
		if err := c.index.Delete(ctx, target.ID); err != nil {
			return fmt.Errorf("index delete %d: %w", target.ID, err)
		}
	} else {
		c.logger.Debug("index document already absent", "event_id", ev.ID, "id", target.ID)
	}
	return nil
}

func (c *Coordinator) reportFailure(ctx context.Context, ev domain.ChangeEvent[domain.Customer], cause error) error {
	if len(c.operators) == 0 {
		c.logger.Warn("no operator emails configured; replication failure not reported", "event_id", ev.ID)
		return nil
	}

	n := domain.NewNotificationEvent(ev.Operation, failureSubject, c.operators...)
	n.TextBody = fmt.Sprintf("Error replicating customer information. Event:%s - Error:%v", ev.ID, cause)

	if _, err := c.notifier.Send(ctx, c.notificationTopic, n.ID.String(), n); err != nil {
		c.logger.Error("critical: replication failure report not published",
			"event_id", ev.ID,
			"topic", c.notificationTopic,
			"cause", cause,
			"error", err,
		)
		return fmt.Errorf("report replication failure for %s: %w", ev.ID, err)
	}
	return nil
}
