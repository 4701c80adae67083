// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/evented"
	"github.com/adiadia/customer-sync/internal/logging"
	"github.com/adiadia/customer-sync/internal/messaging"
	"github.com/adiadia/customer-sync/internal/messaging/messagingtest"
	"github.com/adiadia/customer-sync/internal/replica"
	"github.com/adiadia/customer-sync/internal/search"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeReplica struct {
	mu      sync.Mutex
	records map[string]domain.Customer
	err     error
}

func newFakeReplica() *fakeReplica {
	return &fakeReplica{records: map[string]domain.Customer{}}
}

func (r *fakeReplica) Upsert(_ context.Context, c domain.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records[c.EntityID] = c
	return nil
}

func (r *fakeReplica) Exists(_ context.Context, entityID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.records[entityID]
	return ok && !c.Deleted, nil
}

func (r *fakeReplica) SoftDelete(_ context.Context, entityID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.records[entityID]; ok {
		r.records[entityID] = c.MarkDeleted(at)
	}
	return nil
}

type fakeIndex struct {
	mu   sync.Mutex
	docs map[int64]search.Document
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{docs: map[int64]search.Document{}}
}

func (ix *fakeIndex) Index(_ context.Context, d search.Document) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs[d.ID] = d
	return nil
}

func (ix *fakeIndex) Update(ctx context.Context, d search.Document) error {
	return ix.Index(ctx, d)
}

func (ix *fakeIndex) Exists(_ context.Context, id int64) (bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.docs[id]
	return ok, nil
}

func (ix *fakeIndex) Delete(_ context.Context, id int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.docs, id)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.NotificationEvent
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, topic, key string, ev domain.NotificationEvent) (messaging.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return messaging.Receipt{}, n.err
	}
	n.sent = append(n.sent, ev)
	return messaging.Receipt{Topic: topic, Key: key, Partition: -1, Offset: -1}, nil
}

func newTestCoordinator(t *testing.T, r Replica, ix Index, n *fakeNotifier) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Deps{
		Replica:           r,
		Index:             ix,
		Notifier:          n,
		NotificationTopic: "notifications",
		OperatorEmails:    []string{"ops@example.com"},
		Logger:            logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func storedCustomer(id int64) domain.Customer {
	c := domain.NewCustomer("Ada", "555-0100", "ada@example.com")
	c.ID = id
	c.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.UpdatedAt = c.CreatedAt
	return c
}

func TestNewCoordinatorRequiresCollaborators(t *testing.T) {
	if _, err := NewCoordinator(Deps{Index: newFakeIndex(), Notifier: &fakeNotifier{}, NotificationTopic: "n"}); !errors.Is(err, domain.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	r := newFakeReplica()
	ix := newFakeIndex()
	n := &fakeNotifier{}
	coord := newTestCoordinator(t, r, ix, n)
	ctx := context.Background()

	c := storedCustomer(1)
	changed := c
	changed.Phone = "555-0199"
	changed.UpdatedAt = c.UpdatedAt.Add(time.Minute)

	events := []domain.ChangeEvent[domain.Customer]{
		domain.NewChangeEvent(domain.OperationInsert, domain.Customer{}, c),
		domain.NewChangeEvent(domain.OperationUpdate, c, changed),
	}
	for _, ev := range events {
		for i := 0; i < 2; i++ {
			state, err := coord.Process(ctx, ev)
			if err != nil || state != StateApplied {
				t.Fatalf("%s delivery %d: expected applied, got %s (%v)", ev.Operation, i, state, err)
			}
		}
	}

	if len(r.records) != 1 || r.records[c.EntityID].Phone != "555-0199" {
		t.Fatalf("unexpected replica state: %+v", r.records)
	}
	if len(ix.docs) != 1 || ix.docs[1].Phone != "555-0199" {
		t.Fatalf("unexpected index state: %+v", ix.docs)
	}

	del := domain.NewChangeEvent(domain.OperationDelete, changed, changed.MarkDeleted(changed.UpdatedAt.Add(time.Minute)))
	for i := 0; i < 2; i++ {
		if state, err := coord.Process(ctx, del); err != nil || state != StateApplied {
			t.Fatalf("delete delivery %d: expected applied, got %s (%v)", i, state, err)
		}
	}
	if got := r.records[c.EntityID]; !got.Deleted || !got.UpdatedAt.Equal(del.After.UpdatedAt) {
		t.Fatalf("expected replica record soft-deleted, got %+v", got)
	}
	if len(ix.docs) != 0 {
		t.Fatalf("expected index document removed, got %+v", ix.docs)
	}
	if len(n.sent) != 0 {
		t.Fatalf("expected no failure reports, got %d", len(n.sent))
	}
}

func TestFailureIsReportedToOperators(t *testing.T) {
	r := newFakeReplica()
	r.err = errors.New("replica unavailable")
	n := &fakeNotifier{}
	coord := newTestCoordinator(t, r, newFakeIndex(), n)

	ev := domain.NewChangeEvent(domain.OperationInsert, domain.Customer{}, storedCustomer(1))
	state, err := coord.Process(context.Background(), ev)
	if err != nil || state != StateFailed {
		t.Fatalf("expected failed without error, got %s (%v)", state, err)
	}

	if len(n.sent) != 1 {
		t.Fatalf("expected one failure report, got %d", len(n.sent))
	}
	report := n.sent[0]
	if report.Subject != "Data Replication Error" || report.To[0] != "ops@example.com" {
		t.Fatalf("unexpected report: %+v", report)
	}
	want := "Error replicating customer information. Event:" + ev.ID.String() + " - Error:"
	if !strings.HasPrefix(report.TextBody, want) || !strings.Contains(report.TextBody, "replica unavailable") {
		t.Fatalf("unexpected report body %q", report.TextBody)
	}
}

func TestUnreportableFailureIsReturned(t *testing.T) {
	r := newFakeReplica()
	r.err = errors.New("replica unavailable")
	n := &fakeNotifier{err: errors.New("broker down")}
	coord := newTestCoordinator(t, r, newFakeIndex(), n)

	ev := domain.NewChangeEvent(domain.OperationUpdate, storedCustomer(1), storedCustomer(1))
	if _, err := coord.Process(context.Background(), ev); err == nil {
		t.Fatal("expected error when the failure report cannot be published")
	}
}

func TestUnsupportedOperationFails(t *testing.T) {
	n := &fakeNotifier{}
	coord := newTestCoordinator(t, newFakeReplica(), newFakeIndex(), n)

	ev := domain.NewChangeEvent(domain.OperationAny, domain.Customer{}, storedCustomer(1))
	if err := coord.Apply(context.Background(), ev); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInsertReplicatesThroughBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	index := search.New(rdb, "customers", logging.Discard())

	rep, err := replica.Open(logging.Discard(), replica.WithSQLiteDB(filepath.Join(t.TempDir(), "replica.db")))
	if err != nil {
		t.Fatalf("open replica: %v", err)
	}
	t.Cleanup(func() { _ = rep.Close() })

	broker := messagingtest.NewBroker()
	cfg := messaging.BrokerConfig{Brokers: []string{"memory"}, GroupID: "replicator", PollInterval: 5 * time.Millisecond}
	codec := messaging.GobCodec[domain.ChangeEvent[domain.Customer]]{}

	producer, err := messaging.NewProducer[domain.ChangeEvent[domain.Customer]](cfg, codec, logging.Discard(),
		messaging.WithWriterFactory(broker.WriterFactory()))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	n := &fakeNotifier{}
	coord := newTestCoordinator(t, rep, index, n)

	consumer, err := messaging.NewConsumer[domain.ChangeEvent[domain.Customer]](cfg, []string{"change-events"}, codec, logging.Discard(),
		messaging.WithReader(broker.Reader("change-events")))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx, coord.Handle, nil, nil) }()

	// The primary side: an evented store streaming its changes to the topic.
	backend := newStubBackend()
	store := evented.NewStore[domain.Customer](backend, nil, logging.Discard())
	store.Subscribe(domain.OperationAny, evented.StreamTo[domain.Customer](producer, "change-events"))

	created, err := store.Add(ctx, domain.NewCustomer("Ada", "555-0100", "ada@example.com"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := broker.WaitFor(ctx, func() bool { return broker.Committed("change-events") == 1 }); err != nil {
		t.Fatalf("wait for commit: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	readCtx := context.Background()
	got, err := rep.Get(readCtx, created.EntityID)
	if err != nil {
		t.Fatalf("replica get: %v", err)
	}
	if got.Name != "Ada" || got.ID != created.ID {
		t.Fatalf("unexpected replica record: %+v", got)
	}
	doc, err := index.Get(readCtx, created.ID)
	if err != nil {
		t.Fatalf("index get: %v", err)
	}
	if doc.EntityID != created.EntityID {
		t.Fatalf("unexpected index document: %+v", doc)
	}
	if key := string(broker.Messages("change-events")[0].Key); key != created.EntityID {
		t.Fatalf("expected record keyed by entity id, got %q", key)
	}
	if len(n.sent) != 0 {
		t.Fatalf("expected no failure reports, got %d", len(n.sent))
	}
}

// stubBackend assigns sequence ids on insert. Other operations are unused.
type stubBackend struct {
	evented.Backend[domain.Customer]

	mu   sync.Mutex
	next int64
}

func newStubBackend() *stubBackend {
	return &stubBackend{}
}

func (b *stubBackend) Insert(_ context.Context, c domain.Customer) (domain.Customer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	c.ID = b.next
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	return c, nil
}
