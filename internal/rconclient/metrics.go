package rconclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// request outcomes used as the "result" label.
const (
	resultOK       = "ok"
	resultTimeout  = "timeout"
	resultLost     = "lost"
	resultCanceled = "canceled"
	resultInvalid  = "invalid"
)

type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "rcon").
	Namespace string
	// Registry is where metrics get registered (default:
	// prometheus.DefaultRegisterer).
	Registry prometheus.Registerer
}

// Metrics holds the collectors shared by every connection that is configured
// with it. create it once per registry; connections are told apart by the
// "addr" label.
type Metrics struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
	bytesSent      *prometheus.CounterVec
	bytesRecv      *prometheus.CounterVec
	events         *prometheus.CounterVec
	unmatched      *prometheus.CounterVec
}

func NewMetrics(config MetricsConfig) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "rcon"
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "requests_total",
			Help:      "Total number of rcon requests by result",
		}, []string{"addr", "result"}),

		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from submitting an rcon request to its response",
			Buckets:   prometheus.DefBuckets,
		}, []string{"addr"}),

		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "requests_in_flight",
			Help:      "Number of rcon requests waiting for a response",
		}, []string{"addr"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes written to rcon connections",
		}, []string{"addr"}),

		bytesRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes read from rcon connections",
		}, []string{"addr"}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "events_total",
			Help:      "Total number of server events by outcome",
		}, []string{"addr", "outcome"}),

		unmatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "unmatched_responses_total",
			Help:      "Total number of responses that matched no pending request",
		}, []string{"addr"}),
	}
}

// connMetrics is Metrics bound to one address. a nil *connMetrics is valid
// and records nothing.
type connMetrics struct {
	m    *Metrics
	addr string
}

func (m *Metrics) forAddr(addr string) *connMetrics {
	if m == nil {
		return nil
	}
	return &connMetrics{m: m, addr: addr}
}

func (cm *connMetrics) request(result string, elapsed time.Duration) {
	if cm == nil {
		return
	}
	cm.m.requests.WithLabelValues(cm.addr, result).Inc()
	if result == resultOK {
		cm.m.requestLatency.WithLabelValues(cm.addr).Observe(elapsed.Seconds())
	}
}

func (cm *connMetrics) inFlightAdd(delta float64) {
	if cm == nil {
		return
	}
	cm.m.inFlight.WithLabelValues(cm.addr).Add(delta)
}

func (cm *connMetrics) sent(n int) {
	if cm == nil {
		return
	}
	cm.m.bytesSent.WithLabelValues(cm.addr).Add(float64(n))
}

func (cm *connMetrics) recv(n int) {
	if cm == nil {
		return
	}
	cm.m.bytesRecv.WithLabelValues(cm.addr).Add(float64(n))
}

func (cm *connMetrics) event(outcome string) {
	if cm == nil {
		return
	}
	cm.m.events.WithLabelValues(cm.addr, outcome).Inc()
}

func (cm *connMetrics) unmatchedResponse() {
	if cm == nil {
		return
	}
	cm.m.unmatched.WithLabelValues(cm.addr).Inc()
}
