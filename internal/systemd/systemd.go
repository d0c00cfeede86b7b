// Package systemd reports daemon state to systemd and restarts the
// daemon's own unit when a configuration change cannot be hot-applied.
package systemd

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Notify sends state to the service manager. It returns false without an
// error when the process was not started with NOTIFY_SOCKET.
func Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready reports that startup finished.
func Ready() (bool, error) { return Notify(daemon.SdNotifyReady) }

// Reloading reports that configuration is being reapplied. Follow with Ready.
func Reloading() (bool, error) { return Notify(daemon.SdNotifyReloading) }

// Stopping reports that shutdown began.
func Stopping() (bool, error) { return Notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return Notify("STATUS=" + msg) }

// Manager handles unit lifecycle operations via D-Bus.
type Manager struct {
	conn *dbus.Conn
}

// NewManager connects to the user bus, or the system bus when system is set.
func NewManager(ctx context.Context, system bool) (*Manager, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if system {
		conn, err = dbus.NewSystemConnectionContext(ctx)
	} else {
		conn, err = dbus.NewUserConnectionContext(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

// UnitStatus returns the ActiveState property of unit.
func (m *Manager) UnitStatus(ctx context.Context, unit string) (string, error) {
	prop, err := m.conn.GetUnitPropertyContext(ctx, unit, "ActiveState")
	if err != nil {
		return "", err
	}
	return prop.Value.String(), nil
}

// RestartUnit queues a restart of unit in replace mode. It does not wait
// for the job to finish since the caller is usually the unit itself.
func (m *Manager) RestartUnit(ctx context.Context, unit string) error {
	if unit == "" {
		return errors.New("no unit configured")
	}
	if _, err := m.conn.RestartUnitContext(ctx, unit, "replace", nil); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	return nil
}

// Close closes the D-Bus connection.
func (m *Manager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}
