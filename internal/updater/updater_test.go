package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeSource struct {
	release    *Release
	latestErr  error
	installErr error
	installed  []string
}

func (s *fakeSource) Latest(context.Context, string) (*Release, error) {
	return s.release, s.latestErr
}

func (s *fakeSource) Install(_ context.Context, rel *Release, exe string) error {
	s.installed = append(s.installed, rel.Version)
	if err := os.WriteFile(exe, []byte("build "+rel.Version), 0o755); err != nil {
		return err
	}
	return s.installErr
}

type fixture struct {
	u        *Updater
	src      *fakeSource
	exe      string
	backups  string
	restarts chan struct{}
}

func newFixture(t *testing.T, src *fakeSource) *fixture {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "workerctl")
	if err := os.WriteFile(exe, []byte("build 1.0.0"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		src:      src,
		exe:      exe,
		backups:  filepath.Join(dir, "backup"),
		restarts: make(chan struct{}, 4),
	}
	f.u = New(Options{
		Source:       src,
		Executable:   exe,
		BackupDir:    f.backups,
		Version:      "1.0.0",
		RestartDelay: time.Millisecond,
		Restart: func(context.Context) error {
			f.restarts <- struct{}{}
			return nil
		},
	})
	if !f.u.Enabled() {
		t.Fatalf("updater disabled: %s", f.u.DisabledReason())
	}
	return f
}

func (f *fixture) exeContent(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(f.exe)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func (f *fixture) waitRestart(t *testing.T) {
	t.Helper()
	select {
	case <-f.restarts:
	case <-time.After(time.Second):
		t.Fatal("restart was not triggered")
	}
}

func newer(v string) *Release {
	return &Release{Version: v, Newer: true}
}

func TestDisabledWithoutSource(t *testing.T) {
	u := New(Options{})
	if u.Enabled() || u.DisabledReason() == "" {
		t.Fatal("updater without a source should be disabled with a reason")
	}
	if _, err := u.Check(context.Background()); CodeOf(err) != CodeDisabled {
		t.Errorf("Check: expected %s, got %v", CodeDisabled, err)
	}
	if err := u.Apply(context.Background()); CodeOf(err) != CodeDisabled {
		t.Errorf("Apply: expected %s, got %v", CodeDisabled, err)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		src     *fakeSource
		state   State
		code    Code
		version string
	}{
		{name: "newer", src: &fakeSource{release: newer("1.1.0")}, state: StateAvailable, version: "1.1.0"},
		{name: "current", src: &fakeSource{release: &Release{Version: "1.0.0"}}, state: StateIdle},
		{name: "no releases", src: &fakeSource{}, state: StateError, code: CodeNotFound},
		{name: "lookup fails", src: &fakeSource{latestErr: errors.New("rate limited")}, state: StateError, code: CodeCheckFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.src)
			_, err := f.u.Check(context.Background())
			if CodeOf(err) != tt.code {
				t.Fatalf("code = %q, want %q (err %v)", CodeOf(err), tt.code, err)
			}
			st := f.u.Status()
			if st.State != tt.state {
				t.Errorf("state = %s, want %s", st.State, tt.state)
			}
			if st.TargetVersion != tt.version {
				t.Errorf("target = %q, want %q", st.TargetVersion, tt.version)
			}
			if st.LastChecked == nil {
				t.Error("last checked should be set")
			}
		})
	}
}

func TestApplyBacksUpAndRestarts(t *testing.T) {
	f := newFixture(t, &fakeSource{release: newer("1.1.0")})

	if err := f.u.Apply(context.Background()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	f.waitRestart(t)

	if got := f.exeContent(t); got != "build 1.1.0" {
		t.Errorf("exe = %q, want the new build", got)
	}
	st := f.u.Status()
	if st.State != StateRestarting || !st.BackupAvailable || st.BackupVersion != "1.0.0" {
		t.Errorf("status = %+v", st)
	}

	// A later process finds the same backup.
	b, err := openBackup(f.backups)
	if err != nil {
		t.Fatal(err)
	}
	if b.version() != "1.0.0" {
		t.Errorf("reopened backup version = %q", b.version())
	}
}

func TestApplyWithoutUpdate(t *testing.T) {
	f := newFixture(t, &fakeSource{release: &Release{Version: "1.0.0"}})
	if err := f.u.Apply(context.Background()); CodeOf(err) != CodeNoUpdate {
		t.Fatalf("expected %s, got %v", CodeNoUpdate, err)
	}
	if len(f.src.installed) != 0 {
		t.Error("nothing should be installed")
	}
}

func TestApplyFailureRestoresBackup(t *testing.T) {
	f := newFixture(t, &fakeSource{release: newer("1.1.0"), installErr: errors.New("checksum mismatch")})

	err := f.u.Apply(context.Background())
	if CodeOf(err) != CodeApplyFailed {
		t.Fatalf("expected %s, got %v", CodeApplyFailed, err)
	}
	if got := f.exeContent(t); got != "build 1.0.0" {
		t.Errorf("exe = %q, want the old build restored", got)
	}
	if st := f.u.Status(); st.State != StateRolledBack {
		t.Errorf("state = %s, want %s", st.State, StateRolledBack)
	}
	select {
	case <-f.restarts:
		t.Error("failed install must not restart")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRollback(t *testing.T) {
	f := newFixture(t, &fakeSource{release: newer("1.1.0")})

	if err := f.u.Rollback(context.Background()); CodeOf(err) != CodeNoBackup {
		t.Fatalf("expected %s before any update, got %v", CodeNoBackup, err)
	}

	if err := f.u.Apply(context.Background()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	f.waitRestart(t)

	// Restarting is still in progress; the service goes down before this
	// in production, so only the state machine stands in the way.
	if err := f.u.Rollback(context.Background()); CodeOf(err) != CodeBusy {
		t.Fatalf("expected %s while restarting, got %v", CodeBusy, err)
	}

	f.u.enter(StateIdle)
	if err := f.u.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	f.waitRestart(t)
	if got := f.exeContent(t); got != "build 1.0.0" {
		t.Errorf("exe = %q, want the old build", got)
	}
	if st := f.u.Status(); st.State != StateRolledBack {
		t.Errorf("state = %s", st.State)
	}
}

func TestRestartFailureIsReported(t *testing.T) {
	f := newFixture(t, &fakeSource{})
	f.u.restart = func(context.Context) error { return errors.New("unit not found") }

	if err := f.u.Restart(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for f.u.Status().Error == "" {
		if time.Now().After(deadline) {
			t.Fatal("restart error was not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := f.u.Status(); st.State != StateError {
		t.Errorf("state = %s, want %s", st.State, StateError)
	}
}
