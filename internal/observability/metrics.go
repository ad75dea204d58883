package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plughost"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	pendingCalls    prometheus.Gauge
	callsTotal      *prometheus.CounterVec
	callDuration    prometheus.Histogram
	droppedFrames   *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	listenerErrors  *prometheus.CounterVec
	reconnectsTotal prometheus.Counter
	connected       prometheus.Gauge

	pluginLoadsTotal   *prometheus.CounterVec
	pluginLoadDuration prometheus.Histogram
	pluginUnloadsTotal prometheus.Counter
	loadedPlugins      prometheus.Gauge

	updatesAvailable   *prometheus.GaugeVec
	notificationsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current backlog size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total backlog enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total backlog completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Backlog task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			pendingCalls: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "pending_calls",
					Help:      "Calls written to the backend and not yet settled.",
				},
			),
			callsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "calls_total",
					Help:      "Settled backend calls by outcome.",
				},
				[]string{"outcome"},
			),
			callDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "call_duration_seconds",
					Help:      "Time from call write to settlement.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			droppedFrames: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dropped_frames_total",
					Help:      "Inbound frames dropped by reason.",
				},
				[]string{"reason"},
			),
			eventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "events_dispatched_total",
					Help:      "Events dispatched to listeners by scope.",
				},
				[]string{"scope"},
			),
			listenerErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "listener_errors_total",
					Help:      "Listeners that returned an error or panicked, by scope.",
				},
				[]string{"scope"},
			),
			reconnectsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "reconnects_total",
					Help:      "Reconnect attempts after channel loss.",
				},
			),
			connected: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "channel_connected",
					Help:      "Backend channel state (1 connected, 0 otherwise).",
				},
			),
			pluginLoadsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "plugin_loads_total",
					Help:      "Plugin import requests by outcome.",
				},
				[]string{"outcome"},
			),
			pluginLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "plugin_load_duration_seconds",
					Help:      "Time spent inside the reload critical section per import.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			pluginUnloadsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "plugin_unloads_total",
					Help:      "Plugins unloaded.",
				},
			),
			loadedPlugins: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "plugins_registered",
					Help:      "Descriptors in the registry, including errored ones.",
				},
			),
			updatesAvailable: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "updates_available",
					Help:      "Available updates by target (loader or plugins).",
				},
				[]string{"target"},
			),
			notificationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "notifications_total",
					Help:      "Notifications shown by kind.",
				},
				[]string{"kind"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.pendingCalls,
			m.callsTotal,
			m.callDuration,
			m.droppedFrames,
			m.eventsTotal,
			m.listenerErrors,
			m.reconnectsTotal,
			m.connected,
			m.pluginLoadsTotal,
			m.pluginLoadDuration,
			m.pluginUnloadsTotal,
			m.loadedPlugins,
			m.updatesAvailable,
			m.notificationsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetPendingCalls(n int) {
	getMetrics().pendingCalls.Set(float64(n))
}

// RecordCall counts a settled call. outcome is one of reply, error, channel_lost, closed.
func RecordCall(outcome string, duration time.Duration) {
	m := getMetrics()
	m.callsTotal.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(duration.Seconds())
}

func RecordDroppedFrame(reason string) {
	getMetrics().droppedFrames.WithLabelValues(reason).Inc()
}

func RecordEventDispatch(scope string, listenerErrors int) {
	m := getMetrics()
	m.eventsTotal.WithLabelValues(scope).Inc()
	if listenerErrors > 0 {
		m.listenerErrors.WithLabelValues(scope).Add(float64(listenerErrors))
	}
}

func RecordReconnect() {
	getMetrics().reconnectsTotal.Inc()
}

func SetConnected(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	getMetrics().connected.Set(value)
}

// RecordPluginLoad counts an import. outcome is one of loaded, errored, queued.
func RecordPluginLoad(outcome string, duration time.Duration) {
	m := getMetrics()
	m.pluginLoadsTotal.WithLabelValues(outcome).Inc()
	if outcome != "queued" {
		m.pluginLoadDuration.Observe(duration.Seconds())
	}
}

func RecordPluginUnload() {
	getMetrics().pluginUnloadsTotal.Inc()
}

func SetRegisteredPlugins(n int) {
	getMetrics().loadedPlugins.Set(float64(n))
}

func SetUpdatesAvailable(target string, n int) {
	getMetrics().updatesAvailable.WithLabelValues(target).Set(float64(n))
}

func RecordNotification(kind string) {
	getMetrics().notificationsTotal.WithLabelValues(kind).Inc()
}
