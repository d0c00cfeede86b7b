package sfu

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/workerctl/internal/events"
	"github.com/smazurov/workerctl/internal/logging"
)

// EventPublisher receives worker lifecycle events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// ManagerOption customizes NewWorkerManager.
type ManagerOption func(*WorkerManager)

// WithSpawner replaces the default subprocess spawner.
func WithSpawner(s Spawner) ManagerOption {
	return func(m *WorkerManager) { m.spawner = s }
}

// WithEventPublisher publishes worker and router lifecycle events to p.
func WithEventPublisher(p EventPublisher) ManagerOption {
	return func(m *WorkerManager) { m.publisher = p }
}

// WithLogger sets the logger handed to every worker.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *WorkerManager) { m.logger = logger }
}

// WithRequestTimeout overrides the channel request timeout of every worker.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *WorkerManager) { m.requestTimeout = d }
}

// WorkerManager spawns workers and tracks the ones still open.
type WorkerManager struct {
	spawner        Spawner
	publisher      EventPublisher
	logger         *slog.Logger
	requestTimeout time.Duration

	mu      sync.Mutex
	workers map[int]*Worker
	closed  bool
}

// NewWorkerManager creates a manager spawning binary.
func NewWorkerManager(binary string, opts ...ManagerOption) *WorkerManager {
	m := &WorkerManager{
		logger:  logging.GetLogger("sfu"),
		workers: make(map[int]*Worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spawner == nil {
		m.spawner = &ProcessSpawner{Binary: binary}
	}
	return m
}

// CreateWorker spawns a worker and keeps it until it closes.
func (m *WorkerManager) CreateWorker(ctx context.Context, settings WorkerSettings) (*Worker, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	opts := []WorkerOption{WithWorkerLogger(m.logger)}
	if m.requestTimeout > 0 {
		opts = append(opts, WithWorkerRequestTimeout(m.requestTimeout))
	}
	w, err := NewWorker(ctx, m.spawner, settings, opts...)
	if err != nil {
		return nil, err
	}
	pid := w.Pid()

	w.OnDied(func(status ExitStatus) {
		ev := events.WorkerDiedEvent{Pid: pid, Status: status.String(), Timestamp: timestamp()}
		if err := status.Err(); err != nil {
			ev.Error = err.Error()
		}
		m.publish(ev)
	})
	w.OnNewRouter(func(r *Router) {
		m.publish(events.RouterCreatedEvent{Pid: pid, RouterID: r.ID().String(), Timestamp: timestamp()})
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		w.Close()
		return nil, ErrClosed
	}
	m.workers[pid] = w
	m.mu.Unlock()

	// OnClose runs in place, so registering it after the insert still
	// removes a worker that already exited.
	w.OnClose(func() {
		m.mu.Lock()
		if m.workers[pid] == w {
			delete(m.workers, pid)
		}
		m.mu.Unlock()
		m.publish(events.WorkerClosedEvent{Pid: pid, Timestamp: timestamp()})
	})

	m.publish(events.WorkerStartedEvent{Pid: pid, Timestamp: timestamp()})
	return w, nil
}

// Workers returns the open workers ordered by pid.
func (m *WorkerManager) Workers() []*Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *Worker) int { return a.Pid() - b.Pid() })
	return out
}

// Worker returns the open worker with the given pid, or nil.
func (m *WorkerManager) Worker(pid int) *Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[pid]
}

// UpdateSettings applies log settings to every open worker and publishes
// one SettingsAppliedEvent per worker.
func (m *WorkerManager) UpdateSettings(ctx context.Context, settings WorkerUpdateSettings) error {
	tags := make([]string, len(settings.LogTags))
	for i, tag := range settings.LogTags {
		tags[i] = string(tag)
	}
	var errs []error
	for _, w := range m.Workers() {
		err := w.UpdateSettings(ctx, settings)
		ev := events.SettingsAppliedEvent{
			Pid:       w.Pid(),
			LogLevel:  string(settings.LogLevel),
			LogTags:   tags,
			Timestamp: timestamp(),
		}
		if err != nil {
			ev.Error = err.Error()
			errs = append(errs, err)
			m.logger.Warn("Failed to update worker settings", "pid", w.Pid(), "error", err)
		}
		m.publish(ev)
	}
	return errors.Join(errs...)
}

// Close closes every worker. Later CreateWorker calls fail with ErrClosed.
func (m *WorkerManager) Close() {
	m.mu.Lock()
	m.closed = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}

func (m *WorkerManager) publish(ev events.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
