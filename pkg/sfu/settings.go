package sfu

import (
	"fmt"

	"github.com/smazurov/workerctl/internal/process"
)

// WorkerLogLevel is the worker's own log verbosity.
type WorkerLogLevel string

// Worker log levels.
const (
	WorkerLogLevelDebug WorkerLogLevel = "debug"
	WorkerLogLevelWarn  WorkerLogLevel = "warn"
	WorkerLogLevelError WorkerLogLevel = "error"
	WorkerLogLevelNone  WorkerLogLevel = "none"
)

// ParseWorkerLogLevel validates a log level name.
func ParseWorkerLogLevel(s string) (WorkerLogLevel, error) {
	switch l := WorkerLogLevel(s); l {
	case WorkerLogLevelDebug, WorkerLogLevelWarn, WorkerLogLevelError, WorkerLogLevelNone:
		return l, nil
	default:
		return "", fmt.Errorf("invalid worker log level %q", s)
	}
}

// WorkerLogTag enables a family of worker debug logs.
type WorkerLogTag string

// Worker log tags.
const (
	WorkerLogTagInfo      WorkerLogTag = "info"
	WorkerLogTagIce       WorkerLogTag = "ice"
	WorkerLogTagDtls      WorkerLogTag = "dtls"
	WorkerLogTagRtp       WorkerLogTag = "rtp"
	WorkerLogTagSrtp      WorkerLogTag = "srtp"
	WorkerLogTagRtcp      WorkerLogTag = "rtcp"
	WorkerLogTagRtx       WorkerLogTag = "rtx"
	WorkerLogTagBwe       WorkerLogTag = "bwe"
	WorkerLogTagScore     WorkerLogTag = "score"
	WorkerLogTagSimulcast WorkerLogTag = "simulcast"
	WorkerLogTagSvc       WorkerLogTag = "svc"
	WorkerLogTagSctp      WorkerLogTag = "sctp"
	WorkerLogTagMessage   WorkerLogTag = "message"
)

// AllWorkerLogTags lists every known tag in the worker's order.
var AllWorkerLogTags = []WorkerLogTag{
	WorkerLogTagInfo, WorkerLogTagIce, WorkerLogTagDtls, WorkerLogTagRtp,
	WorkerLogTagSrtp, WorkerLogTagRtcp, WorkerLogTagRtx, WorkerLogTagBwe,
	WorkerLogTagScore, WorkerLogTagSimulcast, WorkerLogTagSvc, WorkerLogTagSctp,
	WorkerLogTagMessage,
}

// WorkerSettings configure a new worker process.
type WorkerSettings struct {
	LogLevel   WorkerLogLevel
	LogTags    []WorkerLogTag
	RtcMinPort uint16
	RtcMaxPort uint16
	// DTLS certificate and key files. A random certificate is generated when unset.
	DtlsCertificateFile string
	DtlsPrivateKeyFile  string
	AppData             any
}

// DefaultWorkerSettings returns the worker's default settings.
func DefaultWorkerSettings() WorkerSettings {
	return WorkerSettings{
		LogLevel:   WorkerLogLevelError,
		LogTags:    append([]WorkerLogTag(nil), AllWorkerLogTags...),
		RtcMinPort: 10000,
		RtcMaxPort: 59999,
	}
}

// Validate checks the settings before a worker is spawned.
func (s WorkerSettings) Validate() error {
	if _, err := ParseWorkerLogLevel(string(s.LogLevel)); err != nil {
		return err
	}
	if s.RtcMinPort > s.RtcMaxPort {
		return fmt.Errorf("rtc port range %d-%d is empty", s.RtcMinPort, s.RtcMaxPort)
	}
	return nil
}

func (s WorkerSettings) args() []string {
	return process.BuildArgs(process.WorkerArgs{
		LogLevel:            string(s.LogLevel),
		LogTags:             tagStrings(s.LogTags),
		RtcMinPort:          s.RtcMinPort,
		RtcMaxPort:          s.RtcMaxPort,
		DtlsCertificateFile: s.DtlsCertificateFile,
		DtlsPrivateKeyFile:  s.DtlsPrivateKeyFile,
	})
}

func tagStrings(tags []WorkerLogTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// WorkerUpdateSettings are the settings a running worker accepts.
type WorkerUpdateSettings struct {
	LogLevel WorkerLogLevel `json:"logLevel"`
	LogTags  []WorkerLogTag `json:"logTags"`
}

// WorkerDump is the worker's view of its own state.
type WorkerDump struct {
	Pid       int        `json:"pid"`
	RouterIDs []RouterID `json:"routerIds"`
}

// WorkerResourceUsage mirrors getrusage(2) for the worker process.
type WorkerResourceUsage struct {
	// User CPU time used (in ms).
	Utime uint64 `json:"ru_utime"`
	// System CPU time used (in ms).
	Stime uint64 `json:"ru_stime"`
	// Maximum resident set size.
	Maxrss uint64 `json:"ru_maxrss"`
	// Integral shared memory size.
	Ixrss uint64 `json:"ru_ixrss"`
	// Integral unshared data size.
	Idrss uint64 `json:"ru_idrss"`
	// Integral unshared stack size.
	Isrss uint64 `json:"ru_isrss"`
	// Page reclaims (soft page faults).
	Minflt uint64 `json:"ru_minflt"`
	// Page faults (hard page faults).
	Majflt uint64 `json:"ru_majflt"`
	// Swaps.
	Nswap uint64 `json:"ru_nswap"`
	// Block input operations.
	Inblock uint64 `json:"ru_inblock"`
	// Block output operations.
	Oublock uint64 `json:"ru_oublock"`
	// IPC messages sent.
	Msgsnd uint64 `json:"ru_msgsnd"`
	// IPC messages received.
	Msgrcv uint64 `json:"ru_msgrcv"`
	// Signals received.
	Nsignals uint64 `json:"ru_nsignals"`
	// Voluntary context switches.
	Nvcsw uint64 `json:"ru_nvcsw"`
	// Involuntary context switches.
	Nivcsw uint64 `json:"ru_nivcsw"`
}
