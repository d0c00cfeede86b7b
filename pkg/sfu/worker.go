package sfu

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/metrics"
	"github.com/smazurov/workerctl/pkg/channel"
)

// WorkerOption customizes NewWorker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	logger         *slog.Logger
	requestTimeout time.Duration
}

// WithWorkerLogger sets the logger used by the worker and its resources.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(c *workerConfig) { c.logger = logger }
}

// WithWorkerRequestTimeout overrides the channel request timeout.
func WithWorkerRequestTimeout(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.requestTimeout = d }
}

// Worker is a handle to a running worker subprocess. It is closed by Close,
// when the subprocess exits, or once the last handle (including the ones
// held by its routers) becomes unreachable.
type Worker struct {
	state *workerState
}

type workerState struct {
	lifecycle

	pid     int
	appData any
	proc    Subprocess
	ch      *channel.Channel
	pch     *channel.PayloadChannel

	newRouter bag[func(*Router)]
	died      bagOnce[func(ExitStatus)]
	death     atomic.Pointer[ExitStatus]
}

// NewWorker spawns a worker and waits until it reports running. Any failure
// stops the subprocess again.
func NewWorker(ctx context.Context, spawner Spawner, settings WorkerSettings, opts ...WorkerOption) (*Worker, error) {
	cfg := workerConfig{logger: logging.GetLogger("sfu")}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	proc, err := spawner.Spawn(ctx, settings.args())
	if err != nil {
		return nil, err
	}
	pid := proc.Pid()
	logger := cfg.logger.With("pid", pid)
	pipes := proc.Pipes()

	ch := channel.New(pipes.ChannelReader, pipes.ChannelWriter, channel.Options{
		Name:           "channel",
		PID:            pid,
		Logger:         logging.GetLogger("worker"),
		RequestTimeout: cfg.requestTimeout,
	})
	pch := channel.NewPayload(pipes.PayloadReader, pipes.PayloadWriter, channel.Options{
		Name:           "payload",
		PID:            pid,
		Logger:         logging.GetLogger("worker"),
		RequestTimeout: cfg.requestTimeout,
	})

	ready := make(chan error, 1)
	sub := ch.SubscribeOnce(strconv.Itoa(pid), func(n channel.Notification) {
		if n.Event == "running" {
			ready <- nil
			return
		}
		ready <- fmt.Errorf("%w: first event was %q", ErrWorkerNotReady, n.Event)
	})
	ch.Start()
	pch.Start()

	abort := func(err error) (*Worker, error) {
		sub.Release()
		proc.Stop()
		ch.Close()
		pch.Close()
		logger.Error("Worker failed to start", "error", err)
		return nil, err
	}

	select {
	case err := <-ready:
		if err != nil {
			return abort(err)
		}
	case <-proc.Done():
		return abort(exitedBeforeRunning(proc))
	case <-ch.Done():
		// The pipes close as the process exits; prefer the exit status.
		select {
		case <-proc.Done():
			return abort(exitedBeforeRunning(proc))
		case <-time.After(exitStatusGrace):
		}
		return abort(fmt.Errorf("waiting for worker: %w", channel.ErrChannelClosed))
	case <-ctx.Done():
		return abort(fmt.Errorf("waiting for worker: %w", ctx.Err()))
	}

	s := &workerState{
		pid:     pid,
		appData: settings.AppData,
		proc:    proc,
		ch:      ch,
		pch:     pch,
	}
	s.init("worker", logger)
	s.deferRelease(func() {
		proc.Stop()
		ch.Close()
		pch.Close()
	})
	go s.watch()

	w := &Worker{state: s}
	runtime.AddCleanup(w, func(s *workerState) { go s.close() }, s)

	metrics.WorkerStarted()
	logger.Info("Worker running")
	return w, nil
}

const exitStatusGrace = time.Second

func exitedBeforeRunning(proc Subprocess) error {
	status := proc.ExitStatus()
	cause := status.Err()
	if cause == nil {
		cause = ErrWorkerNotReady
	}
	return fmt.Errorf("worker exited before running (%s): %w", status, cause)
}

// watch turns an exit not preceded by Close into died followed by close.
func (s *workerState) watch() {
	<-s.proc.Done()
	status := s.proc.ExitStatus()
	died := s.shutdown(func() {
		s.logger.Error("Worker died", "status", status.String())
		s.death.Store(&status)
		s.fireDied()
	}, nil)
	if died {
		metrics.WorkerExited("died")
	}
}

// fireDied runs every pending died handler once a death is recorded.
func (s *workerState) fireDied() {
	status := s.death.Load()
	if status == nil {
		return
	}
	s.died.call(func(fn func(ExitStatus)) { fn(*status) })
}

func (s *workerState) close() {
	if s.shutdown(nil, nil) {
		metrics.WorkerExited("closed")
		s.logger.Info("Worker closed")
	}
}

// Pid is the worker process id.
func (w *Worker) Pid() int {
	return w.state.pid
}

// AppData is the application data given in WorkerSettings.
func (w *Worker) AppData() any {
	return w.state.appData
}

// Closed reports whether the worker is closed.
func (w *Worker) Closed() bool {
	return w.state.isClosed()
}

// Dump returns the worker's internal state.
func (w *Worker) Dump(ctx context.Context) (*WorkerDump, error) {
	if w.state.isClosed() {
		return nil, ErrClosed
	}
	var dump WorkerDump
	if err := w.state.ch.Request(ctx, "worker.dump", nil, nil, &dump); err != nil {
		return nil, err
	}
	return &dump, nil
}

// GetResourceUsage returns the worker process resource usage.
func (w *Worker) GetResourceUsage(ctx context.Context) (*WorkerResourceUsage, error) {
	if w.state.isClosed() {
		return nil, ErrClosed
	}
	var usage WorkerResourceUsage
	if err := w.state.ch.Request(ctx, "worker.getResourceUsage", nil, nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// UpdateSettings changes log level and tags of the running worker.
func (w *Worker) UpdateSettings(ctx context.Context, settings WorkerUpdateSettings) error {
	if w.state.isClosed() {
		return ErrClosed
	}
	if _, err := ParseWorkerLogLevel(string(settings.LogLevel)); err != nil {
		return err
	}
	if settings.LogTags == nil {
		settings.LogTags = []WorkerLogTag{}
	}
	return w.state.ch.Request(ctx, "worker.updateSettings", nil, settings, nil)
}

// CreateRouter creates a router in the worker.
func (w *Worker) CreateRouter(ctx context.Context, opts RouterOptions) (*Router, error) {
	s := w.state
	if s.isClosed() {
		return nil, ErrClosed
	}
	id := newRouterID()
	if err := s.ch.Request(ctx, "worker.createRouter", routerInternal{RouterID: id}, nil, nil); err != nil {
		return nil, err
	}

	r := newRouter(w, id, opts)
	s.newRouter.call(func(fn func(*Router)) { fn(r) })
	return r, nil
}

// OnNewRouter registers fn for every router created on this worker.
func (w *Worker) OnNewRouter(fn func(*Router)) HandlerID {
	return w.state.newRouter.add(fn)
}

// OnDied registers fn for an unexpected worker exit. It fires at most once
// and never after Close. Registered before the death, it runs ahead of the
// close event; registered after, it runs in place with the recorded status.
func (w *Worker) OnDied(fn func(ExitStatus)) HandlerID {
	id := w.state.died.add(fn)
	w.state.fireDied()
	return id
}

// OnClose registers fn for the worker close. fn runs in place if the worker
// is already closed.
func (w *Worker) OnClose(fn func()) HandlerID {
	return w.state.addCloseHandler(fn)
}

// Close closes every router, stops the subprocess and closes both channels.
func (w *Worker) Close() {
	w.state.close()
}
