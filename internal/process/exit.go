package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// Worker exit codes with a defined meaning.
const (
	ExitCodeGeneric  = 1
	ExitCodeSettings = 42
)

var (
	// ErrExitGeneric is reported when the worker exits with code 1.
	ErrExitGeneric = errors.New("worker exited with a generic error")
	// ErrExitSettings is reported when the worker rejects its settings (code 42).
	ErrExitSettings = errors.New("worker exited because of invalid settings")
)

// UnknownExitError is reported for any other non-zero exit or a signal.
type UnknownExitError struct {
	Code   int
	Signal string
}

func (e *UnknownExitError) Error() string {
	if e.Signal != "" {
		return "worker terminated by signal " + e.Signal
	}
	return fmt.Sprintf("worker exited with unknown code %d", e.Code)
}

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal names the terminating signal, if any.
	Signal string
}

// Success reports a clean exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// Err maps the status to the worker exit taxonomy. A clean exit returns nil.
func (s ExitStatus) Err() error {
	switch {
	case s.Signal != "":
		return &UnknownExitError{Code: s.Code, Signal: s.Signal}
	case s.Code == 0:
		return nil
	case s.Code == ExitCodeGeneric:
		return ErrExitGeneric
	case s.Code == ExitCodeSettings:
		return ErrExitSettings
	default:
		return &UnknownExitError{Code: s.Code}
	}
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal: " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// exitStatusFromError extracts the exit status from a Wait error.
// Errors that are not an *exec.ExitError map to a generic failure.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: ExitCodeGeneric}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: exitErr.ExitCode()}
}
