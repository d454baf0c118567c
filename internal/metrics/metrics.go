package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "giftcard_autopilot"

// Metrics holds all Prometheus metrics
type Metrics struct {
	Purchases            *prometheus.CounterVec
	Redemptions          *prometheus.CounterVec
	EmailsProcessed      *prometheus.CounterVec
	EmailFetchFailures   prometheus.Counter
	CodesExtracted       prometheus.Counter
	DuplicateCodes       prometheus.Counter
	RetriesScheduled     *prometheus.CounterVec
	RetriesExhausted     *prometheus.CounterVec
	NotificationFailures *prometheus.CounterVec
	CycleDuration        *prometheus.HistogramVec
	SessionWait          prometheus.Histogram
	PendingCodes         prometheus.Gauge
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome",
		}, []string{"outcome"}),
		Redemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Redemption attempts by outcome",
		}, []string{"outcome"}),
		EmailsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_processed_total",
			Help:      "Inbox messages processed by classified type",
		}, []string{"type"}),
		EmailFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_fetch_failures_total",
			Help:      "Failed inbox fetches",
		}),
		CodesExtracted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_extracted_total",
			Help:      "Gift card codes newly stored",
		}),
		DuplicateCodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_codes_total",
			Help:      "Extracted codes that were already in the ledger",
		}),
		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Backoff retries scheduled by operation",
		}, []string{"operation"}),
		RetriesExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Operations that gave up after the retry ceiling",
		}, []string{"operation"}),
		NotificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Failed notification deliveries by channel",
		}, []string{"channel"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in each orchestrator cycle",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"cycle"}),
		SessionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_wait_seconds",
			Help:      "Time spent waiting for the automation session",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingCodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_codes",
			Help:      "Codes waiting for redemption at the start of the last sweep",
		}),
	}
}
