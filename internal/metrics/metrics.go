// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackline_jobs_total",
			Help: "Jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	groupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackline_groups_total",
			Help: "Groups reaching a terminal status.",
		},
		[]string{"status"},
	)

	compositeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackline_composite_seconds",
			Help:    "HDR composite duration by frame count.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"frames"},
	)

	enhanceSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stackline_enhance_seconds",
			Help:    "Enhancement round trip by provider and outcome.",
			Buckets: []float64{1, 3, 10, 30, 60, 120, 240, 480},
		},
		[]string{"provider", "outcome"},
	)

	eventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stackline_event_subscribers",
			Help: "Connected event stream subscribers.",
		},
	)

	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stackline_transfer_bytes_total",
			Help: "Bytes accepted through presigned uploads.",
		},
		[]string{"protocol"},
	)

	transferConcurrency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stackline_transfer_concurrency",
			Help: "Current adaptive file concurrency of the local transfer session.",
		},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			jobsTotal, groupsTotal,
			compositeSeconds, enhanceSeconds,
			eventSubscribers,
			transferBytes, transferConcurrency,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func JobFinished(status string) {
	jobsTotal.WithLabelValues(norm(status)).Inc()
}

func GroupFinished(status string) {
	groupsTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveComposite(frames int, d time.Duration) {
	compositeSeconds.WithLabelValues(strconv.Itoa(frames)).Observe(d.Seconds())
}

func ObserveEnhance(provider, outcome string, d time.Duration) {
	enhanceSeconds.WithLabelValues(norm(provider), norm(outcome)).Observe(d.Seconds())
}

func SubscriberConnected() { eventSubscribers.Inc() }

func SubscriberDisconnected() { eventSubscribers.Dec() }

func AddTransferBytes(protocol string, n int64) {
	transferBytes.WithLabelValues(norm(protocol)).Add(float64(n))
}

func SetTransferConcurrency(n int) {
	transferConcurrency.Set(float64(n))
}
