// Package updater replaces the running workerctl binary with a newer
// GitHub release and restarts the service so the new build takes over the
// workers.
package updater

import (
	"context"
	"time"
)

// State is where the updater is in its check, apply, restart cycle.
type State string

// Updater states.
const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateAvailable  State = "available"
	StateApplying   State = "applying"
	StateRestarting State = "restarting"
	StateError      State = "error"
	StateRolledBack State = "rolled_back"
)

// Release describes a published workerctl build.
type Release struct {
	Version     string
	Notes       string
	URL         string
	PublishedAt time.Time
	Size        int
	// Newer reports whether the release is ahead of the running build.
	Newer bool

	handle any // source specific, passed back to Install
}

// Source finds the latest release and installs it over an executable.
type Source interface {
	Latest(ctx context.Context, current string) (*Release, error)
	Install(ctx context.Context, rel *Release, exe string) error
}

// Status is a snapshot of the updater.
type Status struct {
	State           State      `json:"state"`
	CurrentVersion  string     `json:"current_version"`
	TargetVersion   string     `json:"target_version,omitempty"`
	Error           string     `json:"error,omitempty"`
	LastChecked     *time.Time `json:"last_checked,omitempty"`
	BackupAvailable bool       `json:"backup_available"`
	BackupVersion   string     `json:"backup_version,omitempty"`
}

// Options configures New.
type Options struct {
	Source Source
	// Restart brings the service back up on the installed binary. It runs
	// after the response to apply or rollback has had time to go out.
	Restart func(ctx context.Context) error
	// Executable defaults to the running binary.
	Executable string
	// BackupDir defaults to $XDG_CACHE_HOME/workerctl/backup.
	BackupDir string
	// Version defaults to version.Version.
	Version string
	// RestartDelay defaults to 500ms.
	RestartDelay time.Duration
}
