package exporters

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/workerctl/internal/events"
	"github.com/smazurov/workerctl/internal/metrics"
)

type mockEventBus struct {
	mu        sync.Mutex
	events    []events.Event
	published chan struct{}
}

func newMockEventBus() *mockEventBus {
	return &mockEventBus{published: make(chan struct{}, 100)}
}

func (m *mockEventBus) Publish(ev events.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	select {
	case m.published <- struct{}{}:
	default:
	}
}

func (m *mockEventBus) usage(pid int) []events.WorkerUsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []events.WorkerUsageEvent
	for _, ev := range m.events {
		if u, ok := ev.(events.WorkerUsageEvent); ok && u.Pid == pid {
			out = append(out, u)
		}
	}
	return out
}

func (m *mockEventBus) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestSSEExporterPublishesUsage(t *testing.T) {
	const pid = 81001
	metrics.SetWorkerUsage(pid, metrics.WorkerUsage{
		UserSeconds: 1.25, SystemSeconds: 0.4, MaxRSSKiB: 512,
		VoluntarySwitches: 10, ForcedSwitches: 2, Load: 0.3,
	})
	defer metrics.DeleteWorkerUsage(pid)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 20 * time.Millisecond
	exporter.now = func() time.Time { return time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC) }

	exporter.Start(context.Background())
	select {
	case <-mock.published:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for usage publish")
	}
	exporter.Stop()

	got := mock.usage(pid)
	if len(got) == 0 {
		t.Fatal("no usage event for the sampled worker")
	}
	want := events.WorkerUsageEvent{
		Pid: pid, CPUUser: "1.25", CPUSystem: "0.40", MaxRSS: 512,
		CtxSwitches: 12, Load: 0.3, Timestamp: "2025-01-27T10:30:00Z",
	}
	if got[0] != want {
		t.Errorf("got %+v, want %+v", got[0], want)
	}
}

func TestSSEExporterSkipsDeletedWorkers(t *testing.T) {
	const pid = 81002
	metrics.SetWorkerUsage(pid, metrics.WorkerUsage{})
	metrics.DeleteWorkerUsage(pid)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 10 * time.Millisecond
	exporter.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	exporter.Stop()

	if n := len(mock.usage(pid)); n != 0 {
		t.Errorf("got %d events for a deleted worker", n)
	}
}

func TestSSEExporterStop(t *testing.T) {
	const pid = 81003
	metrics.SetWorkerUsage(pid, metrics.WorkerUsage{})
	defer metrics.DeleteWorkerUsage(pid)

	mock := newMockEventBus()
	exporter := NewSSEExporter(mock)
	exporter.interval = 10 * time.Millisecond

	exporter.Stop()
	exporter.Start(t.Context())
	time.Sleep(30 * time.Millisecond)
	exporter.Stop()
	exporter.Stop()

	after := mock.count()
	if after == 0 {
		t.Error("expected events while running")
	}
	time.Sleep(30 * time.Millisecond)
	if mock.count() != after {
		t.Error("events published after Stop")
	}
}
