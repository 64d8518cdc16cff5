// Package metrics exposes Prometheus instrumentation for the subscription
// engine service. Collectors are registered on a private registry so tests
// and embedded uses do not collide with the default global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelio/subengine/internal/subscription"
)

// Recorder holds the engine-facing collectors. It satisfies
// subscription.LatencyRecorder; the remaining gauges are refreshed from
// engine snapshots by the hosting process.
type Recorder struct {
	registry *prometheus.Registry

	dispatchLatency *prometheus.HistogramVec

	bufferHistory prometheus.Gauge
	bufferLive    prometheus.Gauge
	inFlight      prometheus.Gauge
	clients       prometheus.Gauge
	lastAcked     prometheus.Gauge
	parked        prometheus.Gauge
}

// NewRecorder builds and registers all collectors for one subscription.
func NewRecorder(subscriptionID string) *Recorder {
	labels := prometheus.Labels{"subscription": subscriptionID}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "subengine_dispatch_to_ack_seconds",
				Help:        "Latency between dispatching an event and receiving its ack",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"correlation_id"},
		),
		bufferHistory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_buffer_history_events",
			Help:        "Events currently buffered in the history segment",
			ConstLabels: labels,
		}),
		bufferLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_buffer_live_events",
			Help:        "Events currently buffered in the live segment",
			ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_in_flight_events",
			Help:        "Dispatched events awaiting ack, nak, or timeout",
			ConstLabels: labels,
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_connected_clients",
			Help:        "Clients connected to the consumer group",
			ConstLabels: labels,
		}),
		lastAcked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_checkpoint_last_acked",
			Help:        "Highest contiguously acknowledged event number",
			ConstLabels: labels,
		}),
		parked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "subengine_parked_events",
			Help:        "Events removed from dispatch after exhausting retries or a park nak",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(
		r.dispatchLatency,
		r.bufferHistory,
		r.bufferLive,
		r.inFlight,
		r.clients,
		r.lastAcked,
		r.parked,
	)
	return r
}

// ObserveDispatchLatency records one dispatch-to-ack sample.
func (r *Recorder) ObserveDispatchLatency(correlationID string, d time.Duration) {
	r.dispatchLatency.WithLabelValues(correlationID).Observe(d.Seconds())
}

// UpdateFromSnapshot refreshes the gauges from an engine snapshot.
func (r *Recorder) UpdateFromSnapshot(s subscription.Snapshot) {
	r.bufferHistory.Set(float64(s.BufferHistory))
	r.bufferLive.Set(float64(s.BufferLive))
	r.inFlight.Set(float64(s.InFlight))
	r.clients.Set(float64(s.Clients))
	r.lastAcked.Set(float64(s.LastAcked))
	r.parked.Set(float64(s.Parked))
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and embedded scrapers.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}
