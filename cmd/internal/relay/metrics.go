package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the relay's prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	sessionsActive   prometheus.Gauge
	sessionsStarted  prometheus.Counter
	sessionsSwept    *prometheus.CounterVec
	upstreamRestarts prometheus.Counter
	logins           prometheus.Counter
	upstreamFrames   *prometheus.CounterVec
}

// NewMetrics constructs and registers the relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qrbridge_sessions_active",
			Help: "Login sessions currently held by the registry.",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbridge_sessions_started_total",
			Help: "Login sessions created since process start.",
		}),
		sessionsSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrbridge_sessions_swept_total",
			Help: "Sessions reclaimed by the registry sweep.",
		}, []string{"reason"}), // reason: grace|stale
		upstreamRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbridge_upstream_restarts_total",
			Help: "Full protocol restarts after an upstream error frame.",
		}),
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qrbridge_logins_total",
			Help: "Logins that reached the authenticated state.",
		}),
		upstreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qrbridge_upstream_frames_total",
			Help: "Upstream frames by direction.",
		}, []string{"direction"}), // direction: in|out
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsStarted,
		m.sessionsSwept,
		m.upstreamRestarts,
		m.logins,
		m.upstreamFrames,
	)
	return m
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionSwept(reason string) {
	if m == nil {
		return
	}
	m.sessionsSwept.WithLabelValues(reason).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) upstreamRestart() {
	if m == nil {
		return
	}
	m.upstreamRestarts.Inc()
}

func (m *Metrics) login() {
	if m == nil {
		return
	}
	m.logins.Inc()
}

func (m *Metrics) frame(direction string) {
	if m == nil {
		return
	}
	m.upstreamFrames.WithLabelValues(direction).Inc()
}
