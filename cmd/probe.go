package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/version"
	"github.com/smazurov/workerctl/pkg/sfu"
	"github.com/spf13/cobra"
)

// ProbeResult is what the probe command prints.
type ProbeResult struct {
	Version string                   `json:"version"`
	Pid     int                      `json:"pid"`
	Dump    *sfu.WorkerDump          `json:"dump"`
	Usage   *sfu.WorkerResourceUsage `json:"resourceUsage"`
}

// CreateProbeCmd creates the probe command.
func CreateProbeCmd() *cobra.Command {
	var (
		binary   string
		wrapper  string
		logLevel string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Spawn one worker and print its state",
		Long: `Spawns a single worker, waits for it to report running, then prints its dump ` +
			`and resource usage as JSON and closes it. Useful to check a worker build.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level, err := sfu.ParseWorkerLogLevel(logLevel)
			if err != nil {
				return err
			}

			logging.Initialize(logging.Config{Level: "warn", Format: "text"})
			logger := logging.GetLogger("main")

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			spawner := sfu.ProcessSpawner{
				Binary:  binary,
				Wrapper: wrapper,
				Version: version.WorkerVersion,
			}
			manager := sfu.NewWorkerManager(binary, sfu.WithSpawner(spawner), sfu.WithLogger(logger))
			defer manager.Close()

			settings := sfu.DefaultWorkerSettings()
			settings.LogLevel = level
			w, err := manager.CreateWorker(ctx, settings)
			if err != nil {
				return fmt.Errorf("start worker: %w", err)
			}

			dump, err := w.Dump(ctx)
			if err != nil {
				return fmt.Errorf("dump worker %d: %w", w.Pid(), err)
			}
			usage, err := w.GetResourceUsage(ctx)
			if err != nil {
				return fmt.Errorf("resource usage of worker %d: %w", w.Pid(), err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ProbeResult{
				Version: version.WorkerVersion,
				Pid:     w.Pid(),
				Dump:    dump,
				Usage:   usage,
			})
		},
	}

	cmd.Flags().StringVarP(&binary, "binary", "b", "mediasoup-worker", "Worker binary")
	cmd.Flags().StringVar(&wrapper, "wrapper", "", "Command prefix for the worker, e.g. valgrind")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Worker log level (debug, warn, error, none)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}
