package process

import "time"

// State represents the current state of a worker process.
type State string

// Process states.
const (
	StateStarting State = "starting" // Being started
	StateRunning  State = "running"  // Active
	StateStopping State = "stopping" // SIGTERM sent, waiting for exit
	StateExited   State = "exited"   // Process has exited
	StateError    State = "error"    // Failed to start
)

// Info contains information about a worker process.
type Info struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	LastError error
}
