package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workersAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "alive",
		Help:      "Worker subprocesses currently running",
	})

	workerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "exits_total",
		Help:      "Worker subprocess exits by reason",
	}, []string{"reason"})

	resourcesOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "resource",
		Name:      "open",
		Help:      "Open resources by kind",
	}, []string{"kind"})

	// Local mirror of resourcesOpen for the ops API.
	resourceCache   = make(map[string]int)
	resourceCacheMu sync.RWMutex
)

// WorkerStarted records a worker that reached the running state.
func WorkerStarted() {
	workersAlive.Inc()
}

// WorkerExited records a worker that went away and why ("closed", "died").
func WorkerExited(reason string) {
	workersAlive.Dec()
	workerExits.WithLabelValues(reason).Inc()
}

// ResourceOpened increments the open resource count for kind.
func ResourceOpened(kind string) {
	resourcesOpen.WithLabelValues(kind).Inc()
	resourceCacheMu.Lock()
	resourceCache[kind]++
	resourceCacheMu.Unlock()
}

// ResourceClosed decrements the open resource count for kind.
func ResourceClosed(kind string) {
	resourcesOpen.WithLabelValues(kind).Dec()
	resourceCacheMu.Lock()
	resourceCache[kind]--
	resourceCacheMu.Unlock()
}

// OpenResources returns a copy of the open resource counts by kind.
func OpenResources() map[string]int {
	resourceCacheMu.RLock()
	defer resourceCacheMu.RUnlock()

	result := make(map[string]int, len(resourceCache))
	for k, v := range resourceCache {
		result[k] = v
	}
	return result
}
