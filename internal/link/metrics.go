package link

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports link activity to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	state         prometheus.Gauge
	transitions   *prometheus.CounterVec
	workers       *prometheus.GaugeVec
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	dialFailures  prometheus.Counter
	writeFailures prometheus.Counter
}

// NewMetrics creates the link collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "btlink",
			Name:      "state",
			Help:      "Current link state (0=none, 1=listen, 2=connecting, 3=connected).",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btlink",
			Name:      "state_transitions_total",
			Help:      "State changes, by the state entered.",
		}, []string{"state"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "btlink",
			Name:      "workers",
			Help:      "Live worker goroutines, by kind.",
		}, []string{"kind"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btlink",
			Name:      "read_bytes_total",
			Help:      "Bytes read from the live stream.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btlink",
			Name:      "written_bytes_total",
			Help:      "Bytes written to the live stream.",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btlink",
			Name:      "dial_failures_total",
			Help:      "Outbound dial attempts that failed.",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btlink",
			Name:      "write_failures_total",
			Help:      "Writes rejected by the live stream.",
		}),
	}
	reg.MustRegister(m.state, m.transitions, m.workers, m.bytesRead, m.bytesWritten, m.dialFailures, m.writeFailures)
	return m
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) workerDelta(k workerKind, delta float64) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(k.String()).Add(delta)
}

func (m *Metrics) read(n int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) wrote(n int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) dialFailed() {
	if m == nil {
		return
	}
	m.dialFailures.Inc()
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}
