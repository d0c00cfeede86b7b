package sfu

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/process"
)

// ExitStatus describes how a worker process ended.
type ExitStatus = process.ExitStatus

// Worker exit errors, as returned by ExitStatus.Err.
var (
	ErrExitGeneric  = process.ErrExitGeneric
	ErrExitSettings = process.ErrExitSettings
)

// WorkerPipes are the parent's ends of the two worker channels.
type WorkerPipes struct {
	ChannelReader io.ReadCloser
	ChannelWriter io.WriteCloser
	PayloadReader io.ReadCloser
	PayloadWriter io.WriteCloser
}

// Subprocess is a running worker.
type Subprocess interface {
	Pid() int
	Pipes() WorkerPipes
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// ExitStatus is valid once Done is closed.
	ExitStatus() ExitStatus
	// Stop terminates the worker and waits for it to exit.
	Stop()
}

// Spawner starts worker subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, args []string) (Subprocess, error)
}

// ProcessSpawner runs the worker binary as a local child process.
type ProcessSpawner struct {
	Binary string
	// Wrapper prefixes the command line, e.g. "valgrind --leak-check=full".
	Wrapper string
	// Version is exported to the worker as MEDIASOUP_VERSION.
	Version string
	Env     []string
	Logger  *slog.Logger
}

// Spawn starts the binary with args.
func (s ProcessSpawner) Spawn(ctx context.Context, args []string) (Subprocess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.GetLogger("process")
	}
	p, err := process.Start(process.Config{
		Binary:  s.Binary,
		Args:    args,
		Wrapper: s.Wrapper,
		Version: s.Version,
		Env:     s.Env,
	}, logger, process.WithOutputLogger(logging.GetLogger("worker"), nil))
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}
	return localProcess{p}, nil
}

type localProcess struct {
	*process.Process
}

func (p localProcess) Pipes() WorkerPipes {
	pipes := p.Process.Pipes()
	return WorkerPipes{
		ChannelReader: pipes.ChannelReader,
		ChannelWriter: pipes.ChannelWriter,
		PayloadReader: pipes.PayloadReader,
		PayloadWriter: pipes.PayloadWriter,
	}
}
