// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func completed(id string, offset int64) []kafka.Message {
	return []kafka.Message{{
		Topic:     "change-events",
		Partition: 2,
		Offset:    offset,
		Headers:   []kafka.Header{{Key: HeaderMessageID, Value: []byte(id)}},
	}}
}

func TestReceiptLogReturnsCompletionForPendingWrite(t *testing.T) {
	l := newReceiptLog()
	l.expect("m-1")
	l.complete(completed("m-1", 17), nil)

	r, ok := l.take("m-1")
	if !ok {
		t.Fatal("expected receipt for pending write")
	}
	if r.Partition != 2 || r.Offset != 17 || r.Topic != "change-events" {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if len(l.pending) != 0 || len(l.byID) != 0 {
		t.Fatalf("expected empty log after take, got pending=%d receipts=%d", len(l.pending), len(l.byID))
	}
}

func TestReceiptLogDropsLateCompletion(t *testing.T) {
	l := newReceiptLog()
	l.expect("m-1")

	// write timed out and took nothing
	if _, ok := l.take("m-1"); ok {
		t.Fatal("expected no receipt before completion")
	}
	l.complete(completed("m-1", 3), nil)
	l.complete(completed("unknown", 4), nil)

	if len(l.pending) != 0 || len(l.byID) != 0 {
		t.Fatalf("expected late completions to be discarded, got pending=%d receipts=%d", len(l.pending), len(l.byID))
	}
}

func TestReceiptLogIgnoresFailedCompletion(t *testing.T) {
	l := newReceiptLog()
	l.expect("m-1")
	l.complete(completed("m-1", 5), kafka.LeaderNotAvailable)

	if _, ok := l.take("m-1"); ok {
		t.Fatal("expected no receipt for failed write")
	}
	if len(l.pending) != 0 {
		t.Fatalf("expected pending entry cleared, got %d", len(l.pending))
	}
}
