package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	workerCPUSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "cpu_seconds",
		Help:      "CPU time consumed by a worker process",
	}, []string{"pid", "mode"})

	workerMaxRSS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "max_rss_bytes",
		Help:      "Maximum resident set size of a worker process",
	}, []string{"pid"})

	workerCtxSwitches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "context_switches",
		Help:      "Context switches of a worker process",
	}, []string{"pid", "kind"})

	workerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "load",
		Help:      "CPU seconds per wall second between the last two samples",
	}, []string{"pid"})

	// Local cache for the SSE exporter.
	usageCache   = make(map[int]*WorkerUsage)
	usageCacheMu sync.RWMutex
)

// WorkerUsage holds the latest usage sample of a worker.
type WorkerUsage struct {
	UserSeconds       float64
	SystemSeconds     float64
	MaxRSSKiB         uint64
	VoluntarySwitches uint64
	ForcedSwitches    uint64
	Load              float64
}

// SetWorkerUsage records a usage sample for pid.
func SetWorkerUsage(pid int, u WorkerUsage) {
	label := strconv.Itoa(pid)
	workerCPUSeconds.WithLabelValues(label, "user").Set(u.UserSeconds)
	workerCPUSeconds.WithLabelValues(label, "system").Set(u.SystemSeconds)
	workerMaxRSS.WithLabelValues(label).Set(float64(u.MaxRSSKiB) * 1024)
	workerCtxSwitches.WithLabelValues(label, "voluntary").Set(float64(u.VoluntarySwitches))
	workerCtxSwitches.WithLabelValues(label, "involuntary").Set(float64(u.ForcedSwitches))
	workerLoad.WithLabelValues(label).Set(u.Load)

	usageCacheMu.Lock()
	usageCache[pid] = &u
	usageCacheMu.Unlock()
}

// DeleteWorkerUsage drops every usage series of pid.
func DeleteWorkerUsage(pid int) {
	label := strconv.Itoa(pid)
	workerCPUSeconds.DeletePartialMatch(prometheus.Labels{"pid": label})
	workerMaxRSS.DeleteLabelValues(label)
	workerCtxSwitches.DeletePartialMatch(prometheus.Labels{"pid": label})
	workerLoad.DeleteLabelValues(label)

	usageCacheMu.Lock()
	delete(usageCache, pid)
	usageCacheMu.Unlock()
}

// GetWorkerUsage returns the latest sample of pid, or nil.
func GetWorkerUsage(pid int) *WorkerUsage {
	usageCacheMu.RLock()
	defer usageCacheMu.RUnlock()
	if u, ok := usageCache[pid]; ok {
		dup := *u
		return &dup
	}
	return nil
}

// GetAllWorkerUsage returns the latest sample of every sampled worker.
func GetAllWorkerUsage() map[int]*WorkerUsage {
	usageCacheMu.RLock()
	defer usageCacheMu.RUnlock()
	result := make(map[int]*WorkerUsage, len(usageCache))
	for pid, u := range usageCache {
		dup := *u
		result[pid] = &dup
	}
	return result
}
