package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
)

// LogParser parses a line of worker output and returns the log level and message.
type LogParser func(source, line string) (level, msg string)

// Config describes how to launch a worker.
type Config struct {
	// Binary is the worker executable.
	Binary string
	// Args are passed to the worker after the binary.
	Args []string
	// Wrapper is an optional command prefix such as "valgrind --leak-check=full".
	Wrapper string
	// Version is exported to the worker as MEDIASOUP_VERSION.
	Version string
	// Env holds extra KEY=value entries appended to the parent environment.
	Env []string
}

// Pipes are the parent's ends of the channel pipes. The worker sees the
// other ends as fds 3 (control in), 4 (control out), 5 (payload in) and
// 6 (payload out).
type Pipes struct {
	ChannelWriter *os.File
	ChannelReader *os.File
	PayloadWriter *os.File
	PayloadReader *os.File
}

func (p Pipes) closeAll() {
	for _, f := range []*os.File{p.ChannelWriter, p.ChannelReader, p.PayloadWriter, p.PayloadReader} {
		if f != nil {
			f.Close()
		}
	}
}

// Process supervises a single worker subprocess.
type Process struct {
	cfg          Config
	cmd          *exec.Cmd
	logger       logging.Logger
	outputLogger logging.Logger
	logParser    LogParser
	pipes        Pipes

	mu     sync.RWMutex
	info   Info
	status ExitStatus
	done   chan struct{}

	stopOnce        sync.Once
	gracefulTimeout time.Duration // timeout for graceful shutdown before force kill
	killTimeout     time.Duration // timeout after Kill() before giving up
}

// Option customizes a Process before it starts.
type Option func(*Process)

// WithOutputLogger routes worker stdout/stderr to logger, parsed by parser.
// A nil parser logs stdout at debug and stderr at error.
func WithOutputLogger(logger logging.Logger, parser LogParser) Option {
	return func(p *Process) {
		p.outputLogger = logger
		p.logParser = parser
	}
}

// WithStopTimeouts overrides the graceful and kill timeouts used by Stop.
func WithStopTimeouts(graceful, kill time.Duration) Option {
	return func(p *Process) {
		p.gracefulTimeout = graceful
		p.killTimeout = kill
	}
}

// Start launches the worker with its four channel pipes and returns once
// the process is running. The caller owns the returned pipes.
func Start(cfg Config, logger logging.Logger, opts ...Option) (*Process, error) {
	p := &Process{
		cfg:             cfg,
		logger:          logger,
		done:            make(chan struct{}),
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		info:            Info{State: StateStarting},
	}
	for _, opt := range opts {
		opt(p)
	}

	argv, err := p.argv()
	if err != nil {
		p.fail(err)
		return nil, err
	}

	var childEnds []*os.File
	closeChildEnds := func() {
		for _, f := range childEnds {
			f.Close()
		}
	}
	newPipe := func() (r, w *os.File) {
		if err != nil {
			return nil, nil
		}
		r, w, err = os.Pipe()
		return r, w
	}

	// Worker reads fd 3, writes fd 4, reads fd 5, writes fd 6.
	chanIn, chanWriter := newPipe()
	chanReader, chanOut := newPipe()
	payIn, payWriter := newPipe()
	payReader, payOut := newPipe()
	stdoutR, stdoutW := newPipe()
	stderrR, stderrW := newPipe()
	childEnds = []*os.File{chanIn, chanOut, payIn, payOut, stdoutW, stderrW}
	p.pipes = Pipes{
		ChannelWriter: chanWriter,
		ChannelReader: chanReader,
		PayloadWriter: payWriter,
		PayloadReader: payReader,
	}
	if err != nil {
		closeChildEnds()
		p.pipes.closeAll()
		closeIfSet(stdoutR, stderrR)
		p.fail(err)
		return nil, fmt.Errorf("failed to create worker pipes: %w", err)
	}

	p.cmd = exec.Command(argv[0], argv[1:]...)
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	p.cmd.Env = append(os.Environ(), "MEDIASOUP_VERSION="+cfg.Version)
	p.cmd.Env = append(p.cmd.Env, cfg.Env...)
	p.cmd.ExtraFiles = []*os.File{chanIn, chanOut, payIn, payOut}
	p.cmd.Stdout = stdoutW
	p.cmd.Stderr = stderrW

	if err := p.cmd.Start(); err != nil {
		closeChildEnds()
		p.pipes.closeAll()
		closeIfSet(stdoutR, stderrR)
		p.logger.Error("Failed to start worker", "error", err, "command", strings.Join(argv, " "))
		p.fail(err)
		return nil, err
	}
	closeChildEnds()

	pid := p.cmd.Process.Pid
	p.mu.Lock()
	p.info.PID = pid
	p.info.State = StateRunning
	p.info.StartedAt = time.Now()
	p.mu.Unlock()
	p.logger.Info("Worker process started", "pid", pid, "command", strings.Join(argv, " "))

	go p.streamOutput(stdoutR, "stdout")
	go p.streamOutput(stderrR, "stderr")
	go p.wait()

	return p, nil
}

// argv assembles wrapper, binary and arguments.
func (p *Process) argv() ([]string, error) {
	var argv []string
	if p.cfg.Wrapper != "" {
		wrapper, err := parseCommand(p.cfg.Wrapper)
		if err != nil {
			return nil, err
		}
		argv = append(argv, wrapper...)
	}
	if p.cfg.Binary == "" {
		return nil, fmt.Errorf("empty worker binary")
	}
	argv = append(argv, p.cfg.Binary)
	return append(argv, p.cfg.Args...), nil
}

func (p *Process) fail(err error) {
	p.mu.Lock()
	p.info.State = StateError
	p.info.LastError = err
	p.mu.Unlock()
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	status := exitStatusFromError(err)

	p.mu.Lock()
	p.status = status
	p.info.State = StateExited
	p.info.ExitCode = status.Code
	p.info.LastError = status.Err()
	p.mu.Unlock()

	if status.Success() {
		p.logger.Info("Worker process exited", "pid", p.cmd.Process.Pid)
	} else {
		p.logger.Warn("Worker process exited", "pid", p.cmd.Process.Pid, "exit_code", status.Code, "signal", status.Signal)
	}
	close(p.done)
}

// Pid returns the worker process id.
func (p *Process) Pid() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.PID
}

// Pipes returns the parent's ends of the channel pipes.
func (p *Process) Pipes() Pipes {
	return p.pipes
}

// Done is closed when the worker has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitStatus reports how the worker exited. Valid once Done is closed.
func (p *Process) ExitStatus() ExitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Info returns a snapshot of the process state.
func (p *Process) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Stop asks the worker to exit with SIGTERM and force-kills its process
// group if it does not exit within the graceful timeout. Stop blocks until
// the worker is gone or the kill timeout elapses.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.mu.Lock()
		p.info.State = StateStopping
		p.mu.Unlock()

		pid := p.cmd.Process.Pid
		p.logger.Debug("Sending SIGTERM to worker", "pid", pid)
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Warn("Failed to send SIGTERM", "error", err)
		}
		p.waitForExit()
	})
}

// Kill terminates the worker's process group immediately.
func (p *Process) Kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	pid := p.cmd.Process.Pid
	// Negative pid addresses the whole group created by Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			p.logger.Error("Failed to kill worker", "pid", pid, "error", killErr)
		}
	}
}

// waitForExit waits for the worker to exit, force-killing after the graceful timeout.
func (p *Process) waitForExit() {
	select {
	case <-p.done:
		return
	case <-time.After(p.gracefulTimeout):
		p.logger.Warn("Graceful shutdown timeout, forcing kill", "timeout", p.gracefulTimeout)
		p.Kill()
	}

	select {
	case <-p.done:
	case <-time.After(p.killTimeout):
		p.logger.Error("Worker did not exit after kill signal", "pid", p.cmd.Process.Pid)
	}
}

// streamOutput forwards worker output line by line to the output logger.
func (p *Process) streamOutput(reader io.ReadCloser, source string) {
	defer reader.Close()
	scanner := bufio.NewScanner(reader)

	logger := p.outputLogger
	if logger == nil {
		logger = p.logger
	}
	pid := strconv.Itoa(p.Pid())

	for scanner.Scan() {
		line := scanner.Text()

		level, msg := defaultLevel(source), line
		if p.logParser != nil {
			level, msg = p.logParser(source, line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "source", source, "pid", pid)
		case "warning", "warn":
			logger.Warn(msg, "source", source, "pid", pid)
		case "debug", "trace":
			logger.Debug(msg, "source", source, "pid", pid)
		default:
			logger.Info(msg, "source", source, "pid", pid)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("Error reading worker output", "source", source, "error", err)
	}
}

func defaultLevel(source string) string {
	if source == "stderr" {
		return "error"
	}
	return "debug"
}

func closeIfSet(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// parseCommand parses a command string into arguments
// Handles quoted strings and basic escaping.
func parseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	command = strings.TrimSpace(command)
	runes := []rune(command)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}

	return args, nil
}
