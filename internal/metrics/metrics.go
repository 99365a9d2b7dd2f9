// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"link-service/internal/model"
	"link-service/internal/ping"
)

const namespace = "link"

// Metrics holds the link collectors on a private registry
type Metrics struct {
	registry        *prometheus.Registry
	pingTime        prometheus.Gauge
	pingTimeEMA     prometheus.Gauge
	pingsLost       prometheus.Counter
	rxBytes         prometheus.Counter
	txBytes         prometheus.Counter
	transportErrors *prometheus.CounterVec
	linkUp          prometheus.Gauge
}

// New creates and registers the link collectors, labelled with the medium
func New(medium model.Medium) *Metrics {
	labels := prometheus.Labels{"medium": string(medium)}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pingTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ping_time_seconds",
			Help:        "Last measured round trip.",
			ConstLabels: labels,
		}),
		pingTimeEMA: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ping_time_ema_seconds",
			Help:        "Round trip smoothed with an exponential moving average.",
			ConstLabels: labels,
		}),
		pingsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "pings_lost_total",
			Help:        "Pings still outstanding when the next one was due.",
			ConstLabels: labels,
		}),
		rxBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rx_bytes_total",
			Help:        "Bytes received from the vehicle.",
			ConstLabels: labels,
		}),
		txBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tx_bytes_total",
			Help:        "Bytes sent to the vehicle.",
			ConstLabels: labels,
		}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_errors_total",
			Help:        "Hard transport errors by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "up",
			Help:        "1 while the link is carrying traffic.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.pingTime,
		m.pingTimeEMA,
		m.pingsLost,
		m.rxBytes,
		m.txBytes,
		m.transportErrors,
		m.linkUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObservePing records a tracker sample
func (m *Metrics) ObservePing(s ping.Sample) {
	if m == nil {
		return
	}
	m.pingTime.Set(s.PingTime)
	m.pingTimeEMA.Set(s.PingTimeEMA)
}

// PingLost counts a ping that never returned
func (m *Metrics) PingLost() {
	if m == nil {
		return
	}
	m.pingsLost.Inc()
}

// AddRx counts received bytes
func (m *Metrics) AddRx(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rxBytes.Add(float64(n))
}

// AddTx counts sent bytes
func (m *Metrics) AddTx(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.txBytes.Add(float64(n))
}

// TransportError counts a hard error; direction is "rx" or "tx"
func (m *Metrics) TransportError(direction string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(direction).Inc()
}

// SetLinkUp sets the link state gauge
func (m *Metrics) SetLinkUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.linkUp.Set(1)
	} else {
		m.linkUp.Set(0)
	}
}

// Registry returns the registry backing the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
