package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/workerctl/cmd"
	"github.com/smazurov/workerctl/internal/api"
	"github.com/smazurov/workerctl/internal/config"
	"github.com/smazurov/workerctl/internal/events"
	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/metrics/collectors"
	"github.com/smazurov/workerctl/internal/metrics/exporters"
	"github.com/smazurov/workerctl/internal/systemd"
	"github.com/smazurov/workerctl/internal/updater"
	"github.com/smazurov/workerctl/internal/version"
	"github.com/smazurov/workerctl/pkg/sfu"
)

// Options for the CLI - flat structure with toml mapping.
// Worker spawn settings live in the [worker] table and are read by
// config.LoadWorkerSettings so they can be watched for changes.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"workerctl.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Worker process settings
	WorkerBinary         string `help:"Worker binary" default:"mediasoup-worker" toml:"worker.binary" env:"WORKER_BINARY"`
	WorkerWrapper        string `help:"Command prefix for workers, e.g. valgrind" toml:"worker.wrapper" env:"WORKER_WRAPPER"`
	WorkerRequestTimeout string `help:"Channel request timeout" default:"15s" toml:"worker.request_timeout" env:"WORKER_REQUEST_TIMEOUT"`

	// Metrics settings
	MetricsInterval string `help:"Worker resource usage sampling interval" default:"5s" toml:"metrics.interval" env:"METRICS_INTERVAL"`

	// Service settings
	ServiceUnit      string `help:"systemd unit to restart when worker config needs new workers" toml:"service.unit" env:"SERVICE_UNIT"`
	ServiceSystemBus bool   `help:"Use the system bus instead of the user bus" default:"false" toml:"service.system_bus" env:"SERVICE_SYSTEM_BUS"`

	// Update settings
	UpdateRepository string `help:"GitHub repository (owner/name) to self-update from" toml:"update.repository" env:"UPDATE_REPOSITORY"`
	UpdatePrerelease bool   `help:"Offer prereleases as updates" default:"false" toml:"update.prerelease" env:"UPDATE_PRERELEASE"`
	UpdateBackupDir  string `help:"Where the replaced binary is kept for rollback" toml:"update.backup_dir" env:"UPDATE_BACKUP_DIR"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func parseDuration(name, value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logging.GetLogger("main").Warn("Invalid duration, using default", "option", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

// loggingConfig merges per-module levels from the file with the resolved
// global level and format.
func loggingConfig(opts *Options) logging.Config {
	cfg := config.LoadLoggingConfig(opts.Config)
	cfg.Level = opts.LoggingLevel
	cfg.Format = opts.LoggingFormat
	return cfg
}

func notify(state string) {
	report(state, func() (bool, error) { return systemd.Notify(state) })
}

func report(state string, send func() (bool, error)) {
	if _, err := send(); err != nil {
		logging.GetLogger("main").Debug("sd_notify failed", "state", state, "error", err)
	}
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		root := cli.Root()

		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, root); loadErr != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", loadErr)
			os.Exit(1)
		}

		logging.Initialize(loggingConfig(opts))
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()
		logging.SetLogCallback(api.PublishLogs(eventBus))

		workerConfig, err := config.LoadWorkerSettings(opts.Config)
		if err != nil {
			logger.Error("Invalid worker configuration", "error", err)
			os.Exit(1)
		}

		spawner := sfu.ProcessSpawner{
			Binary:  opts.WorkerBinary,
			Wrapper: opts.WorkerWrapper,
			Version: version.WorkerVersion,
		}
		manager := sfu.NewWorkerManager(opts.WorkerBinary,
			sfu.WithSpawner(spawner),
			sfu.WithEventPublisher(eventBus),
			sfu.WithLogger(logging.GetLogger("sfu")),
			sfu.WithRequestTimeout(parseDuration("worker.request_timeout", opts.WorkerRequestTimeout, 15*time.Second)),
		)

		eventBus.Subscribe(func(e events.WorkerDiedEvent) {
			logger.Error("Worker died", "pid", e.Pid, "status", e.Status, "error", e.Error)
		})

		usageCollector := collectors.NewUsageCollector(collectors.ManagerSource(manager),
			parseDuration("metrics.interval", opts.MetricsInterval, 5*time.Second))
		sseExporter := exporters.NewSSEExporter(eventBus)

		var unitManager atomic.Pointer[systemd.Manager]
		restartService := func(ctx context.Context) error {
			if m := unitManager.Load(); m != nil {
				return m.RestartUnit(ctx, opts.ServiceUnit)
			}
			return updater.SignalSelf(ctx)
		}

		var source updater.Source
		if opts.UpdateRepository != "" {
			if source, err = updater.NewGitHubSource(opts.UpdateRepository, opts.UpdatePrerelease); err != nil {
				logger.Warn("Self-update unavailable", "repository", opts.UpdateRepository, "error", err)
			}
		}
		updates := updater.New(updater.Options{
			Source:    source,
			Restart:   restartService,
			BackupDir: opts.UpdateBackupDir,
		})

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Workers:           api.ManagerService(manager),
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
			Updates:           updates,
		})

		reloader := newWorkerReloader(manager, workerConfig, logger)
		reloader.notify = notify

		watcher := config.NewConfigWatcher(opts.Config, config.LoadWorkerSettings, logging.GetLogger("config"),
			config.WithErrorHandler[config.WorkerConfig](func(err error) {
				logger.Warn("Ignoring invalid configuration", "error", err)
			}))
		watcher.OnReload(reloader.apply)
		watcher.OnReload(func(config.WorkerConfig) {
			next := *opts
			if err := config.LoadConfig(&next, root); err != nil {
				logger.Warn("Failed to reload logging config", "error", err)
				return
			}
			logging.Initialize(loggingConfig(&next))
		})

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			settings, err := workerConfig.Settings()
			if err != nil {
				logger.Error("Invalid worker configuration", "error", err)
				os.Exit(1)
			}

			startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
			for range workerConfig.Count {
				w, err := manager.CreateWorker(startCtx, settings)
				if err != nil {
					startCancel()
					logger.Error("Failed to start worker", "binary", opts.WorkerBinary, "error", err)
					manager.Close()
					os.Exit(1)
				}
				logger.Info("Worker started", "pid", w.Pid())
			}
			startCancel()

			usageCollector.Start(ctx)
			sseExporter.Start(ctx)

			if opts.ServiceUnit != "" {
				m, err := systemd.NewManager(ctx, opts.ServiceSystemBus)
				if err != nil {
					logger.Warn("systemd unavailable, config changes needing new workers will only be logged", "error", err)
				} else {
					unitManager.Store(m)
					reloader.restart = func(ctx context.Context) error {
						return m.RestartUnit(ctx, opts.ServiceUnit)
					}
				}
			}
			if err := watcher.Start(); err != nil {
				logger.Warn("Config watcher disabled", "path", opts.Config, "error", err)
			}

			report("ready", systemd.Ready)
			report("status", func() (bool, error) {
				return systemd.Status(fmt.Sprintf("%d workers running", workerConfig.Count))
			})

			logger.Info("Starting HTTP server", "port", opts.Port)
			if err := server.Start(opts.Port); err != nil {
				logger.Error("Failed to start HTTP server", "error", err)
				manager.Close()
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			report("stopping", systemd.Stopping)

			if err := watcher.Stop(); err != nil {
				logger.Warn("Error stopping config watcher", "error", err)
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}

			cancel()
			usageCollector.Stop()
			sseExporter.Stop()

			// Workers go last so in-flight API requests can finish.
			manager.Close()
			if m := unitManager.Load(); m != nil {
				m.Close()
			}
		})
	})

	cli.Root().Use = "workerctl"
	cli.Root().Short = "Supervise media workers and serve their ops API"
	cli.Root().Version = version.String()

	cli.Root().AddCommand(cmd.CreateProbeCmd())

	// Run the CLI
	cli.Run()
}
