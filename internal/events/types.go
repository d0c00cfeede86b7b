package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStarted uint32 = iota + 1
	TypeWorkerDied
	TypeWorkerClosed
	TypeRouterCreated
	TypeSettingsApplied
	TypeLogEntry
	TypeWorkerUsage
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStartedEvent is published once a worker reported running.
type WorkerStartedEvent struct {
	Pid       int    `json:"pid" example:"4242" doc:"Worker process id"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerStartedEvent.
func (e WorkerStartedEvent) Type() uint32 { return TypeWorkerStarted }

// WorkerDiedEvent is published when a worker exits without being closed.
type WorkerDiedEvent struct {
	Pid       int    `json:"pid" example:"4242" doc:"Worker process id"`
	Status    string `json:"status" example:"exit code 1" doc:"Exit status"`
	Error     string `json:"error,omitempty" example:"worker exited with generic error" doc:"Exit error"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerDiedEvent.
func (e WorkerDiedEvent) Type() uint32 { return TypeWorkerDied }

// WorkerClosedEvent is published when a worker is closed, after a death too.
type WorkerClosedEvent struct {
	Pid       int    `json:"pid" example:"4242" doc:"Worker process id"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerClosedEvent.
func (e WorkerClosedEvent) Type() uint32 { return TypeWorkerClosed }

// RouterCreatedEvent is published for every router created on a managed worker.
type RouterCreatedEvent struct {
	Pid       int    `json:"pid" example:"4242" doc:"Worker process id"`
	RouterID  string `json:"router_id" example:"6f1c0c1e-8f5a-4c38-9d0e-2a2f3c1b7e11" doc:"Router identifier"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RouterCreatedEvent.
func (e RouterCreatedEvent) Type() uint32 { return TypeRouterCreated }

// SettingsAppliedEvent reports the outcome of a log settings update on a worker.
type SettingsAppliedEvent struct {
	Pid       int      `json:"pid" example:"4242" doc:"Worker process id"`
	LogLevel  string   `json:"log_level" example:"warn" doc:"Applied log level"`
	LogTags   []string `json:"log_tags" example:"[\"ice\",\"dtls\"]" doc:"Applied log tags"`
	Error     string   `json:"error,omitempty" doc:"Update failure, if any"`
	Timestamp string   `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SettingsAppliedEvent.
func (e SettingsAppliedEvent) Type() uint32 { return TypeSettingsApplied }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"channel" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// WorkerUsageEvent carries the latest resource usage sample of a worker.
type WorkerUsageEvent struct {
	Pid         int     `json:"pid" example:"4242" doc:"Worker process id"`
	CPUUser     string  `json:"cpu_user" example:"1.25" doc:"User CPU time in seconds"`
	CPUSystem   string  `json:"cpu_system" example:"0.40" doc:"System CPU time in seconds"`
	MaxRSS      uint64  `json:"max_rss" example:"52428" doc:"Maximum resident set size in KiB"`
	CtxSwitches uint64  `json:"ctx_switches" example:"1200" doc:"Voluntary plus involuntary context switches"`
	Load        float64 `json:"load" example:"0.12" doc:"CPU seconds used per wall second since the previous sample"`
	Timestamp   string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Sample timestamp"`
}

// Type returns the event type identifier for WorkerUsageEvent.
func (e WorkerUsageEvent) Type() uint32 { return TypeWorkerUsage }
