package exporters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/workerctl/internal/events"
	"github.com/smazurov/workerctl/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter republishes the latest worker usage samples as events.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates an exporter publishing once per second.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: time.Second,
		now:      time.Now,
	}
}

// Start begins the export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishUsage()
		}
	}
}

func (s *SSEExporter) publishUsage() {
	ts := s.now().UTC().Format(time.RFC3339)
	for pid, u := range metrics.GetAllWorkerUsage() {
		s.eventBus.Publish(events.WorkerUsageEvent{
			Pid:         pid,
			CPUUser:     strconv.FormatFloat(u.UserSeconds, 'f', 2, 64),
			CPUSystem:   strconv.FormatFloat(u.SystemSeconds, 'f', 2, 64),
			MaxRSS:      u.MaxRSSKiB,
			CtxSwitches: u.VoluntarySwitches + u.ForcedSwitches,
			Load:        u.Load,
			Timestamp:   ts,
		})
	}
}
