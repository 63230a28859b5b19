package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "latencyprobe"

// Failure reasons reported by the publish loop.
const (
	FailurePayload  = "payload"
	FailureCapacity = "capacity"
	FailureWrite    = "write"
	FailureDropped  = "dropped"
)

// latencyBuckets spans sub-millisecond shared memory up to multi-second brokers.
var latencyBuckets = []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// Metrics holds the harness collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	samplesSent     *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	samplesReceived *prometheus.CounterVec
	matchedPeers    *prometheus.GaugeVec
	latency         *prometheus.HistogramVec
	negativeLatency *prometheus.CounterVec
}

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them on a fresh registry
// that also carries the Go and process collectors.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry:        prometheus.NewRegistry(),
		samplesSent:     newCounterVec("samples_sent_total", "Samples written successfully", "topic"),
		sendFailures:    newCounterVec("send_failures_total", "Publish attempts that did not send a sample", "topic", "reason"),
		samplesReceived: newCounterVec("samples_received_total", "Valid samples received", "topic"),
		negativeLatency: newCounterVec("negative_latency_total", "Samples whose receive timestamp precedes the publish timestamp", "topic"),
		matchedPeers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "matched_peers",
				Help:      "Remote endpoints currently matched",
			},
			[]string{"topic", "role"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "latency_seconds",
				Help:      "End-to-end latency from publish timestamp to reception",
				Buckets:   latencyBuckets,
			},
			[]string{"topic"},
		),
	}

	collectors := []prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.samplesSent,
		m.sendFailures,
		m.samplesReceived,
		m.matchedPeers,
		m.latency,
		m.negativeLatency,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

// Registry exposes the registry for the status server and transport decorators.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) sampleSent(topic string) {
	if m == nil {
		return
	}
	m.samplesSent.WithLabelValues(topic).Inc()
}

func (m *Metrics) sendFailed(topic, reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(topic, reason).Inc()
}

func (m *Metrics) sampleReceived(topic string, latency time.Duration) {
	if m == nil {
		return
	}
	m.samplesReceived.WithLabelValues(topic).Inc()
	if latency < 0 {
		m.negativeLatency.WithLabelValues(topic).Inc()
		return
	}
	m.latency.WithLabelValues(topic).Observe(latency.Seconds())
}

func (m *Metrics) setMatched(topic, role string, count int64) {
	if m == nil {
		return
	}
	m.matchedPeers.WithLabelValues(topic, role).Set(float64(count))
}
