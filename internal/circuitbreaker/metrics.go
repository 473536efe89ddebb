package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_failures_total",
			Help: "Total number of failures in circuit breaker",
		},
		[]string{"name", "service"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

type collectorEntry struct {
	name    string
	service string
	cb      *Breaker
}

// MetricsCollector exports state for every registered breaker.
type MetricsCollector struct {
	mu      sync.RWMutex
	entries []collectorEntry
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// StateChangeHook returns an OnStateChange callback that keeps one
// breaker's prometheus series current. Install it in the Config before
// constructing the breaker.
func (mc *MetricsCollector) StateChangeHook(name, service string) func(string, State, State) {
	return func(_ string, from, to State) {
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))

		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
}

// Register tracks a breaker for the periodic state gauge refresh.
func (mc *MetricsCollector) Register(name, service string, cb *Breaker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries = append(mc.entries, collectorEntry{name: name, service: service, cb: cb})
}

// RecordRequest records one request outcome.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
		breakerFailures.WithLabelValues(name, service).Inc()
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauge for every registered breaker.
func (mc *MetricsCollector) UpdateMetrics() {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	for _, e := range mc.entries {
		breakerState.WithLabelValues(e.name, e.service).Set(float64(e.cb.State()))
	}
}

// Collector is the process-wide collector instance.
var Collector = NewMetricsCollector()

// StartMetricsCollection refreshes gauges on a fixed cadence.
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			Collector.UpdateMetrics()
		}
	}()
}
