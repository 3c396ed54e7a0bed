package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	chatRequestsTotal   *prometheus.CounterVec
	chatRequestDuration *prometheus.HistogramVec

	modelCallDuration *prometheus.HistogramVec
	modelCallTotal    *prometheus.CounterVec
	modelErrorsTotal  *prometheus.CounterVec

	storeOpDuration  *prometheus.HistogramVec
	storeErrorsTotal *prometheus.CounterVec

	activeConversations     prometheus.Gauge
	providerSessionsCreated *prometheus.CounterVec
	historyTruncationsTotal prometheus.Counter

	runtimeSessionsActive prometheus.Gauge
	runtimeSessionsPruned prometheus.Counter

	promptReloadsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			chatRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_requests_total",
					Help: "Total chat requests by route and status.",
				},
				[]string{"route", "status"},
			),
			chatRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "chat_request_duration_seconds",
					Help:    "Chat request duration in seconds by route.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"route"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model backend call duration in seconds by provider and kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider", "kind"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_calls_total",
					Help: "Total model backend calls by provider, kind and status.",
				},
				[]string{"provider", "kind", "status"},
			),
			modelErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_errors_total",
					Help: "Total model backend errors by provider and error kind.",
				},
				[]string{"provider", "kind"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "store_op_duration_seconds",
					Help:    "Conversation store operation duration in seconds by operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			storeErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_errors_total",
					Help: "Total conversation store errors by operation.",
				},
				[]string{"op"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_conversations",
					Help: "Number of conversation mappings in the store.",
				},
			),
			providerSessionsCreated: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_sessions_created_total",
					Help: "Total provider sessions minted by provider.",
				},
				[]string{"provider"},
			),
			historyTruncationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "history_truncations_total",
					Help: "Total times conversation history hit the retention cap.",
				},
			),
			runtimeSessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "runtime_sessions_active",
					Help: "Number of runtime sessions in the store.",
				},
			),
			runtimeSessionsPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runtime_sessions_pruned_total",
					Help: "Total runtime sessions removed by maintenance pruning.",
				},
			),
			promptReloadsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "prompt_reloads_total",
					Help: "Total prompt reload operations by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.chatRequestsTotal,
			m.chatRequestDuration,
			m.modelCallDuration,
			m.modelCallTotal,
			m.modelErrorsTotal,
			m.storeOpDuration,
			m.storeErrorsTotal,
			m.activeConversations,
			m.providerSessionsCreated,
			m.historyTruncationsTotal,
			m.runtimeSessionsActive,
			m.runtimeSessionsPruned,
			m.promptReloadsTotal,
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

func RecordChatRequest(route string, duration time.Duration, status string) {
	m := getMetrics()
	m.chatRequestsTotal.WithLabelValues(route, status).Inc()
	m.chatRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func RecordModelCall(provider, kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, kind, status).Inc()
	m.modelCallDuration.WithLabelValues(provider, kind).Observe(duration.Seconds())
}

func RecordModelError(provider, kind string) {
	getMetrics().modelErrorsTotal.WithLabelValues(provider, kind).Inc()
}

func RecordStoreOp(op string, duration time.Duration, err error) {
	m := getMetrics()
	m.storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		m.storeErrorsTotal.WithLabelValues(op).Inc()
	}
}

func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

func RecordProviderSessionCreated(provider string) {
	getMetrics().providerSessionsCreated.WithLabelValues(provider).Inc()
}

func RecordHistoryTruncation() {
	getMetrics().historyTruncationsTotal.Inc()
}

func SetRuntimeSessionsActive(count int) {
	getMetrics().runtimeSessionsActive.Set(float64(count))
}

func RecordRuntimeSessionsPruned(count int) {
	getMetrics().runtimeSessionsPruned.Add(float64(count))
}

func RecordPromptReload(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().promptReloadsTotal.WithLabelValues(status).Inc()
}
