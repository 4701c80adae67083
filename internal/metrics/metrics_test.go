// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(notificationsCounter.WithLabelValues(NotificationRetried))
	IncNotification(NotificationRetried)
	if got := testutil.ToFloat64(notificationsCounter.WithLabelValues(NotificationRetried)); got != before+1 {
		t.Fatalf("expected %v got %v", before+1, got)
	}

	before = testutil.ToFloat64(replicationAppliedCounter.WithLabelValues("DELETE", ResultFailed))
	IncReplicationApplied(domain.OperationDelete, ResultFailed)
	if got := testutil.ToFloat64(replicationAppliedCounter.WithLabelValues("DELETE", ResultFailed)); got != before+1 {
		t.Fatalf("expected %v got %v", before+1, got)
	}
}

func TestHandlerExposesPreinitialisedSeries(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`change_events_dispatched_total{operation="INSERT"}`,
		`notifications_total{result="dead_lettered"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}
