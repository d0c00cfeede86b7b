package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/smazurov/workerctl/internal/config"
	"github.com/smazurov/workerctl/pkg/sfu"
)

type settingsUpdater interface {
	UpdateSettings(ctx context.Context, settings sfu.WorkerUpdateSettings) error
}

// workerReloader applies a reloaded [worker] table to the running workers.
// Log level and tags are pushed to live workers; anything else needs new
// workers, so it either restarts the unit or only warns.
type workerReloader struct {
	workers settingsUpdater
	restart func(ctx context.Context) error // nil when no unit is configured
	notify  func(state string)
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	running config.WorkerConfig
}

func newWorkerReloader(workers settingsUpdater, running config.WorkerConfig, logger *slog.Logger) *workerReloader {
	return &workerReloader{
		workers: workers,
		notify:  func(string) {},
		logger:  logger,
		timeout: 10 * time.Second,
		running: running,
	}
}

func (r *workerReloader) apply(next config.WorkerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if r.running.RestartRequired(next) {
		if r.restart != nil {
			r.logger.Info("Worker config changed, restarting service")
			err := r.restart(ctx)
			if err == nil {
				return
			}
			r.logger.Error("Failed to restart service", "error", err)
		} else {
			r.logger.Warn("Worker config change needs a restart to take effect",
				"count", next.Count,
				"rtc_min_port", next.RtcMinPort,
				"rtc_max_port", next.RtcMaxPort)
		}
	}

	if r.running.LogLevel == next.LogLevel && slices.Equal(r.running.LogTags, next.LogTags) {
		return
	}
	update, err := next.UpdateSettings()
	if err != nil {
		r.logger.Error("Invalid worker settings", "error", err)
		return
	}

	r.notify(daemon.SdNotifyReloading)
	defer r.notify(daemon.SdNotifyReady)
	if err := r.workers.UpdateSettings(ctx, update); err != nil {
		r.logger.Warn("Some workers rejected new settings", "error", err)
	} else {
		r.logger.Info("Worker settings applied", "log_level", next.LogLevel, "log_tags", next.LogTags)
	}
	r.running.LogLevel = next.LogLevel
	r.running.LogTags = slices.Clone(next.LogTags)
}
