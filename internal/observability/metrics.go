package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// Every method is safe on a nil receiver.
type Metrics struct {
	ActiveSessions       prometheus.Gauge
	SessionEvents        *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	FunctionCalls        *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	BargeIns             prometheus.Counter
	DroppedFrames        *prometheus.CounterVec
	BackendErrors        *prometheus.CounterVec
	EngineErrors         *prometheus.CounterVec
	EngineConnectLatency prometheus.Histogram

	perf *PerfWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle transitions by target state and cause.",
		}, []string{"state", "cause"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FunctionCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Agent function calls by name and outcome.",
		}, []string{"name", "outcome"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Backend events by kind and notification decision.",
		}, []string{"kind", "decision"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "User interruptions of agent speech.",
		}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by direction.",
		}, []string{"direction"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend failures by operation.",
		}, []string{"op"}),
		EngineErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Conversational engine errors by code.",
		}, []string{"code"}),
		EngineConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_connect_latency_ms",
			Help:      "Time from connect to SettingsApplied in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500, 5000},
		}),
		perf: NewPerfWindow(256),
	}
}

func (m *Metrics) ObserveTransition(state, cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "none"
	}
	m.SessionEvents.WithLabelValues(state, cause).Inc()
	if state == "closed" {
		m.perf.SessionClosed(cause)
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveFunctionCall(name string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.FunctionCalls.WithLabelValues(name, outcome).Inc()
	m.perf.Observe(functionStagePrefix+name, d)
}

func (m *Metrics) ObserveNotification(kind string, spoken bool) {
	if m == nil {
		return
	}
	decision := "silent"
	if spoken {
		decision = "speak"
		m.perf.NotificationSpoken()
	}
	m.Notifications.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) ObserveBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
	m.perf.BargeIn()
}

func (m *Metrics) ObserveDroppedFrame(direction string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(direction).Inc()
}

func (m *Metrics) ObserveBackendError(op string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveEngineError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.EngineErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveEngineConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.EngineConnectLatency.Observe(float64(d.Milliseconds()))
	m.perf.Observe(StageEngineConnect, d)
}

func (m *Metrics) ObserveInject(d time.Duration) {
	if m == nil {
		return
	}
	m.perf.Observe(StageInject, d)
}

// SnapshotPerf returns the rolling stage latencies and session outcomes.
func (m *Metrics) SnapshotPerf() PerfSnapshot {
	if m == nil {
		return PerfSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}, Closed: map[string]int{}}
	}
	return m.perf.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
