package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	TasksTotal       *prometheus.CounterVec
	TaskLatency      *prometheus.HistogramVec
	ActiveTasks      *prometheus.GaugeVec
	SetupTransitions *prometheus.CounterVec
	SetupErrors      *prometheus.CounterVec
	RemoteRequests   *prometheus.CounterVec
	RemoteLatency    *prometheus.HistogramVec
	EventsDropped    prometheus.Counter
	PlaybackChanges  *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_tasks_total",
			Help:      "Generation tasks by owner, kind and outcome.",
		}, []string{"owner", "kind", "outcome"}),
		TaskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_task_latency_ms",
			Help:      "Submit to terminal latency in milliseconds.",
			Buckets:   []float64{500, 1000, 2500, 5000, 10000, 20000, 40000, 80000, 160000},
		}, []string{"owner", "kind"}),
		ActiveTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_active_tasks",
			Help:      "Active generation tasks per owner (0 or 1).",
		}, []string{"owner"}),
		SetupTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_transitions_total",
			Help:      "Setup state transitions.",
		}, []string{"from", "to"}),
		SetupErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_errors_total",
			Help:      "Setup failures by step and class.",
		}, []string{"op", "class"}),
		RemoteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Remote service requests by operation and status code.",
		}, []string{"op", "code"}),
		RemoteLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_latency_ms",
			Help:      "Remote service request latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"op"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		PlaybackChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_changes_total",
			Help:      "Playback state changes by resulting authority.",
		}, []string{"authority"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveRemoteRequest(op string, code int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.RemoteRequests.WithLabelValues(op, label).Inc()
	m.RemoteLatency.WithLabelValues(op).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObservePlayback(authority string) {
	if m == nil {
		return
	}
	m.PlaybackChanges.WithLabelValues(authority).Inc()
}

func (m *Metrics) ObserveTaskStarted(owner string) {
	if m == nil {
		return
	}
	m.ActiveTasks.WithLabelValues(owner).Set(1)
}

// ObserveTaskFinished records a task leaving the active slot. Latency is
// only recorded for tasks that reached a remote terminal status.
func (m *Metrics) ObserveTaskFinished(owner, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTasks.WithLabelValues(owner).Set(0)
	m.TasksTotal.WithLabelValues(owner, kind, outcome).Inc()
	if outcome == "completed" || outcome == "failed" {
		m.TaskLatency.WithLabelValues(owner, kind).Observe(float64(d.Milliseconds()))
		m.stages.Observe(StageSubmitToTerminal, d)
	}
}

func (m *Metrics) ObserveSetupTransition(from, to string) {
	if m == nil {
		return
	}
	m.SetupTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveSetupError(op, class string) {
	if m == nil {
		return
	}
	m.SetupErrors.WithLabelValues(op, class).Inc()
}

func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) CountIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.Count(name)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
