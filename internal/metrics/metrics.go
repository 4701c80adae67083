// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK           = "ok"
	ResultFailed       = "failed"
	ResultDecodeError  = "decode_error"
	ResultDeadLettered = "dead_lettered"

	NotificationSent         = "sent"
	NotificationRetried      = "retried"
	NotificationDeadLettered = "dead_lettered"
	NotificationDropped      = "dropped"
)

var (
	initOnce sync.Once

	changeEventsDispatchedCounter *prometheus.CounterVec
	handlerFailuresCounter        prometheus.Counter
	messagesConsumedCounter       *prometheus.CounterVec
	messagesDeadLetteredCounter   *prometheus.CounterVec
	replicationAppliedCounter     *prometheus.CounterVec
	notificationsCounter          *prometheus.CounterVec
	brokerSendDurationMetric      prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		changeEventsDispatchedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "change_events_dispatched_total",
				Help: "Total number of change events fanned out to local subscribers by operation.",
			},
			[]string{"operation"},
		)

		handlerFailuresCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "handler_failures_total",
				Help: "Total number of change event handlers that returned an error or panicked.",
			},
		)

		messagesConsumedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_consumed_total",
				Help: "Total number of broker records processed by topic and result.",
			},
			[]string{"topic", "result"},
		)

		messagesDeadLetteredCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_dead_lettered_total",
				Help: "Total number of records forwarded to a dead-letter topic by source topic.",
			},
			[]string{"topic"},
		)

		replicationAppliedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replication_applied_total",
				Help: "Total number of change events applied to derived stores by operation and result.",
			},
			[]string{"operation", "result"},
		)

		notificationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Total number of notification dispatch outcomes by result.",
			},
			[]string{"result"},
		)

		brokerSendDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_send_duration_seconds",
				Help:    "Duration of acknowledged broker writes in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			changeEventsDispatchedCounter,
			handlerFailuresCounter,
			messagesConsumedCounter,
			messagesDeadLetteredCounter,
			replicationAppliedCounter,
			notificationsCounter,
			brokerSendDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, op := range []domain.OperationType{
			domain.OperationInsert,
			domain.OperationUpdate,
			domain.OperationDelete,
		} {
			changeEventsDispatchedCounter.WithLabelValues(op.String())
		}

		for _, result := range []string{
			NotificationSent,
			NotificationRetried,
			NotificationDeadLettered,
			NotificationDropped,
		} {
			notificationsCounter.WithLabelValues(result)
		}
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func IncChangeEventDispatched(op domain.OperationType) {
	Init()
	changeEventsDispatchedCounter.WithLabelValues(op.String()).Inc()
}

func IncHandlerFailure() {
	Init()
	handlerFailuresCounter.Inc()
}

func IncMessageConsumed(topic, result string) {
	Init()
	messagesConsumedCounter.WithLabelValues(topic, result).Inc()
}

func IncMessageDeadLettered(topic string) {
	Init()
	messagesDeadLetteredCounter.WithLabelValues(topic).Inc()
}

func IncReplicationApplied(op domain.OperationType, result string) {
	Init()
	replicationAppliedCounter.WithLabelValues(op.String(), result).Inc()
}

func IncNotification(result string) {
	Init()
	notificationsCounter.WithLabelValues(result).Inc()
}

func ObserveBrokerSendDuration(d time.Duration) {
	Init()
	brokerSendDurationMetric.Observe(d.Seconds())
}
