// Package version reports build metadata of workerctl and the worker
// protocol version it speaks.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the application version, set via ldflags during build.
	Version = "dev"
	// GitCommit is the git commit hash, set via ldflags during build.
	GitCommit = "unknown"
	// BuildDate is the build timestamp, set via ldflags during build.
	BuildDate = "unknown"
	// WorkerVersion is handed to spawned workers as MEDIASOUP_VERSION.
	// Workers built from a different release refuse to start.
	WorkerVersion = "3.14.6"
)

// Info contains version and build metadata.
type Info struct {
	Version       string `json:"version"`
	GitCommit     string `json:"git_commit"`
	BuildDate     string `json:"build_date"`
	WorkerVersion string `json:"worker_version"`
	GoVersion     string `json:"go_version"`
	Platform      string `json:"platform"`
}

// Get returns version and build information.
func Get() Info {
	return Info{
		Version:       Version,
		GitCommit:     GitCommit,
		BuildDate:     BuildDate,
		WorkerVersion: WorkerVersion,
		GoVersion:     runtime.Version(),
		Platform:      fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a one-line version summary.
func String() string {
	return fmt.Sprintf("workerctl %s (%s, worker %s)", Version, GitCommit, WorkerVersion)
}
