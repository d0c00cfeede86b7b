package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/workerctl/internal/logging"
	"github.com/smazurov/workerctl/internal/version"
)

// Updater checks for, installs and rolls back workerctl releases. One
// operation runs at a time; the state machine rejects overlapping ones.
type Updater struct {
	source   Source
	restart  func(ctx context.Context) error
	exe      string
	current  string
	delay    time.Duration
	backup   *backup
	disabled string
	logger   *slog.Logger

	mu          sync.Mutex
	state       State
	latest      *Release
	lastChecked *time.Time
	lastErr     error
}

// New returns an Updater. It is disabled, not failed, when there is no
// source or the binary's directory is not writable.
func New(opts Options) *Updater {
	u := &Updater{
		source:  opts.Source,
		restart: opts.Restart,
		exe:     opts.Executable,
		current: opts.Version,
		delay:   opts.RestartDelay,
		state:   StateIdle,
		logger:  logging.GetLogger("updater"),
	}
	if u.current == "" {
		u.current = version.Version
	}
	if u.delay <= 0 {
		u.delay = 500 * time.Millisecond
	}
	if u.restart == nil {
		u.restart = SignalSelf
	}

	if u.source == nil {
		u.disable("no release repository configured")
		return u
	}
	if u.exe == "" {
		exe, err := executablePath()
		if err != nil {
			u.disable(fmt.Sprintf("resolve executable: %v", err))
			return u
		}
		u.exe = exe
	}
	if err := checkWritable(filepath.Dir(u.exe)); err != nil {
		u.disable(err.Error())
		return u
	}

	dir := opts.BackupDir
	if dir == "" {
		var err error
		if dir, err = defaultBackupDir(); err != nil {
			u.logger.Warn("Rollback unavailable", "error", err)
			return u
		}
	}
	b, err := openBackup(dir)
	if err != nil {
		u.logger.Warn("Rollback unavailable", "dir", dir, "error", err)
		return u
	}
	u.backup = b
	if v := b.version(); v != "" {
		u.logger.Info("Found backup", "version", v)
	}
	return u
}

func (u *Updater) disable(reason string) {
	u.disabled = reason
	u.logger.Warn("Update service disabled", "reason", reason)
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".workerctl-update-*")
	if err != nil {
		return fmt.Errorf("no write permission to %s: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}

// Enabled reports whether updates can be applied at all.
func (u *Updater) Enabled() bool {
	return u.disabled == ""
}

// DisabledReason is empty when the updater is enabled.
func (u *Updater) DisabledReason() string {
	return u.disabled
}

// Check looks up the latest release without installing it.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	if !u.Enabled() {
		return nil, fail(CodeDisabled, nil, "%s", u.disabled)
	}
	if !u.enter(StateChecking, StateIdle, StateAvailable, StateError, StateRolledBack) {
		return nil, u.busy("check for updates")
	}

	rel, err := u.source.Latest(ctx, u.current)
	now := time.Now()
	u.mu.Lock()
	u.lastChecked = &now
	u.mu.Unlock()
	if err != nil {
		u.setError(err)
		return nil, fail(CodeCheckFailed, err, "check for updates")
	}
	if rel == nil {
		err := errors.New("no releases found")
		u.setError(err)
		return nil, fail(CodeNotFound, nil, "%v", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !rel.Newer {
		u.latest = nil
		u.state = StateIdle
		return rel, nil
	}
	u.latest = rel
	u.state = StateAvailable
	u.logger.Info("Update available", "current", u.current, "latest", rel.Version)
	return rel, nil
}

// Apply installs the release found by Check, checking first if needed, and
// restarts the service. The running binary is backed up before it is
// replaced and put back if installing fails.
func (u *Updater) Apply(ctx context.Context) error {
	if !u.Enabled() {
		return fail(CodeDisabled, nil, "%s", u.disabled)
	}
	if u.State() != StateAvailable {
		rel, err := u.Check(ctx)
		if err != nil {
			return err
		}
		if !rel.Newer {
			return fail(CodeNoUpdate, nil, "already running %s", u.current)
		}
	}
	if !u.enter(StateApplying, StateAvailable) {
		return u.busy("apply an update")
	}

	u.mu.Lock()
	rel := u.latest
	u.mu.Unlock()

	if u.backup != nil {
		if err := u.backup.save(u.exe, u.current); err != nil {
			u.setError(err)
			return fail(CodeBackupFailed, err, "back up %s", u.exe)
		}
	}

	u.logger.Info("Installing update", "version", rel.Version, "exe", u.exe)
	if err := u.source.Install(ctx, rel, u.exe); err != nil {
		u.setError(err)
		u.restoreAfterFailure()
		return fail(CodeApplyFailed, err, "install %s", rel.Version)
	}

	u.enter(StateRestarting)
	u.scheduleRestart()
	return nil
}

// restoreAfterFailure puts the backup back after a failed install. The
// installer may have already moved the old binary away.
func (u *Updater) restoreAfterFailure() {
	if u.backup == nil || u.backup.version() == "" {
		u.logger.Error("Install failed and no backup is available")
		return
	}
	if _, err := u.backup.restore(); err != nil {
		u.logger.Error("Failed to restore backup", "error", err)
		return
	}
	u.enter(StateRolledBack)
	u.logger.Info("Restored previous binary after failed install")
}

// Rollback puts the backed up binary back and restarts the service.
func (u *Updater) Rollback(_ context.Context) error {
	if !u.Enabled() {
		return fail(CodeDisabled, nil, "%s", u.disabled)
	}
	if u.backup == nil || u.backup.version() == "" {
		return fail(CodeNoBackup, nil, "no backup available")
	}
	if !u.enter(StateApplying, StateIdle, StateAvailable, StateError, StateRolledBack) {
		return u.busy("roll back")
	}

	v, err := u.backup.restore()
	if err != nil {
		u.setError(err)
		return fail(CodeRestoreFailed, err, "restore backup")
	}
	u.enter(StateRolledBack)
	u.logger.Info("Rolled back", "version", v)
	u.scheduleRestart()
	return nil
}

// Restart restarts the service without changing the binary.
func (u *Updater) Restart(_ context.Context) error {
	u.logger.Info("Restart requested")
	u.scheduleRestart()
	return nil
}

// scheduleRestart leaves time for the HTTP response before going down.
func (u *Updater) scheduleRestart() {
	time.AfterFunc(u.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := u.restart(ctx); err != nil {
			u.logger.Error("Restart failed", "error", err)
			u.setError(err)
		}
	})
}

// SignalSelf asks the process to stop so the service manager restarts it.
func SignalSelf(context.Context) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// State returns the current state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Status returns a snapshot for the API.
func (u *Updater) Status() Status {
	u.mu.Lock()
	st := Status{
		State:          u.state,
		CurrentVersion: u.current,
		LastChecked:    u.lastChecked,
	}
	if u.latest != nil {
		st.TargetVersion = u.latest.Version
	}
	if u.lastErr != nil {
		st.Error = u.lastErr.Error()
	}
	u.mu.Unlock()

	if u.backup != nil {
		st.BackupVersion = u.backup.version()
		st.BackupAvailable = st.BackupVersion != ""
	}
	return st
}

// enter moves to next if the current state is one of from, or
// unconditionally when from is empty.
func (u *Updater) enter(next State, from ...State) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(from) > 0 && !slices.Contains(from, u.state) {
		return false
	}
	u.logger.Debug("State transition", "from", u.state, "to", next)
	u.state = next
	u.lastErr = nil
	return true
}

func (u *Updater) setError(err error) {
	u.mu.Lock()
	u.state = StateError
	u.lastErr = err
	u.mu.Unlock()
}

func (u *Updater) busy(op string) error {
	return fail(CodeBusy, nil, "cannot %s while %s", op, u.State())
}
