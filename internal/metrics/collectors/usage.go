// Package collectors samples worker processes into Prometheus gauges.
package collectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/metrics"
	"github.com/smazurov/workerctl/pkg/sfu"
)

// Sampler is a live worker that can report its resource usage.
type Sampler interface {
	Pid() int
	GetResourceUsage(ctx context.Context) (*sfu.WorkerResourceUsage, error)
}

// Source lists the workers to sample on each tick.
type Source func() []Sampler

// ManagerSource samples every worker of m.
func ManagerSource(m *sfu.WorkerManager) Source {
	return func() []Sampler {
		workers := m.Workers()
		out := make([]Sampler, len(workers))
		for i, w := range workers {
			out[i] = w
		}
		return out
	}
}

type sample struct {
	cpuMs uint64
	at    time.Time
}

// UsageCollector polls worker.getResourceUsage on an interval.
type UsageCollector struct {
	source   Source
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last map[int]sample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUsageCollector creates a collector sampling every interval.
func NewUsageCollector(source Source, interval time.Duration) *UsageCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &UsageCollector{
		source:   source,
		logger:   logging.GetLogger("metrics"),
		interval: interval,
		timeout:  interval,
		now:      time.Now,
		last:     make(map[int]sample),
	}
}

// Start begins collecting until ctx is done or Stop is called.
func (c *UsageCollector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop ends collection and waits for the loop to exit.
func (c *UsageCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *UsageCollector) run(ctx context.Context) {
	defer c.wg.Done()
	c.logger.Info("Starting worker usage collection", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample of every worker and forgets workers that are gone.
func (c *UsageCollector) Collect(ctx context.Context) {
	seen := make(map[int]bool)
	for _, w := range c.source() {
		pid := w.Pid()
		seen[pid] = true

		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		usage, err := w.GetResourceUsage(reqCtx)
		cancel()
		if err != nil {
			c.logger.Warn("Failed to sample worker usage", "pid", pid, "error", err)
			continue
		}
		c.record(pid, usage)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.last {
		if !seen[pid] {
			delete(c.last, pid)
			metrics.DeleteWorkerUsage(pid)
		}
	}
}

func (c *UsageCollector) record(pid int, u *sfu.WorkerResourceUsage) {
	now := c.now()
	cpuMs := u.Utime + u.Stime

	c.mu.Lock()
	prev, ok := c.last[pid]
	c.last[pid] = sample{cpuMs: cpuMs, at: now}
	c.mu.Unlock()

	var load float64
	if elapsed := now.Sub(prev.at).Seconds(); ok && elapsed > 0 && cpuMs >= prev.cpuMs {
		load = float64(cpuMs-prev.cpuMs) / 1000 / elapsed
	}

	metrics.SetWorkerUsage(pid, metrics.WorkerUsage{
		UserSeconds:       float64(u.Utime) / 1000,
		SystemSeconds:     float64(u.Stime) / 1000,
		MaxRSSKiB:         u.Maxrss,
		VoluntarySwitches: u.Nvcsw,
		ForcedSwitches:    u.Nivcsw,
		Load:              load,
	})
}
