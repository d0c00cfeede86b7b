package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func workerTOML(level string) []byte {
	return fmt.Appendf(nil, "[worker]\nlog_level = %q\n", level)
}

func startWatcher(t *testing.T, path string, debounce time.Duration, opts ...WatcherOption[WorkerConfig]) *Watcher[WorkerConfig] {
	t.Helper()
	opts = append(opts, WithDebounce[WorkerConfig](debounce))
	w := NewConfigWatcher(path, LoadWorkerSettings, discardLogger(), opts...)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return w
}

func configPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workerctl.toml")
	if err := os.WriteFile(path, workerTOML("error"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func expectReload(t *testing.T, ch <-chan WorkerConfig, level string) {
	t.Helper()
	select {
	case cfg := <-ch:
		if cfg.LogLevel != level {
			t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, level)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for reload to %q", level)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := configPath(t)
	w := startWatcher(t, path, 50*time.Millisecond)

	received := make(chan WorkerConfig, 4)
	w.OnReload(func(cfg WorkerConfig) { received <- cfg })

	if err := os.WriteFile(path, workerTOML("debug"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectReload(t, received, "debug")

	if err := os.WriteFile(path, workerTOML("warn"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectReload(t, received, "warn")
}

func TestWatcherReloadsOnRename(t *testing.T) {
	path := configPath(t)
	w := startWatcher(t, path, 50*time.Millisecond)

	received := make(chan WorkerConfig, 4)
	w.OnReload(func(cfg WorkerConfig) { received <- cfg })

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, workerTOML("none"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	expectReload(t, received, "none")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	path := configPath(t)
	w := startWatcher(t, path, 20*time.Millisecond)

	var count atomic.Int32
	w.OnReload(func(WorkerConfig) { count.Add(1) })

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), workerTOML("debug"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("sibling write triggered %d reloads", got)
	}
}

func TestWatcherMultipleHandlersAndUnsubscribe(t *testing.T) {
	path := configPath(t)
	w := startWatcher(t, path, 50*time.Millisecond)

	first := make(chan WorkerConfig, 4)
	second := make(chan WorkerConfig, 4)
	w.OnReload(func(cfg WorkerConfig) { first <- cfg })
	unsub := w.OnReload(func(cfg WorkerConfig) { second <- cfg })

	if err := os.WriteFile(path, workerTOML("debug"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectReload(t, first, "debug")
	expectReload(t, second, "debug")

	unsub()
	unsub()
	if err := os.WriteFile(path, workerTOML("warn"), 0o644); err != nil {
		t.Fatal(err)
	}
	expectReload(t, first, "warn")
	select {
	case cfg := <-second:
		t.Errorf("unsubscribed handler received %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherErrorHandler(t *testing.T) {
	path := configPath(t)
	errs := make(chan error, 1)
	w := startWatcher(t, path, 50*time.Millisecond,
		WithErrorHandler[WorkerConfig](func(err error) { errs <- err }))

	received := make(chan WorkerConfig, 1)
	w.OnReload(func(cfg WorkerConfig) { received <- cfg })

	if err := os.WriteFile(path, workerTOML("verbose"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-errs:
	case cfg := <-received:
		t.Fatalf("handler called with invalid config %+v", cfg)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for error handler")
	}
}

func TestWatcherDebounce(t *testing.T) {
	path := configPath(t)
	w := startWatcher(t, path, 200*time.Millisecond)

	var mu sync.Mutex
	var levels []string
	w.OnReload(func(cfg WorkerConfig) {
		mu.Lock()
		levels = append(levels, cfg.LogLevel)
		mu.Unlock()
	})

	for _, level := range []string{"debug", "warn", "error", "none"} {
		if err := os.WriteFile(path, workerTOML(level), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(40 * time.Millisecond)
	}
	time.Sleep(600 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(levels) != 1 || levels[0] != "none" {
		t.Errorf("reloads = %v, want a single reload to none", levels)
	}
}

func TestWatcherStop(t *testing.T) {
	path := configPath(t)
	w := NewConfigWatcher(path, LoadWorkerSettings, discardLogger(), WithDebounce[WorkerConfig](20*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	var count atomic.Int32
	w.OnReload(func(WorkerConfig) { count.Add(1) })

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}

	if err := os.WriteFile(path, workerTOML("debug"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("got %d reloads after Stop", got)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w := NewConfigWatcher("unused.toml", LoadWorkerSettings, discardLogger())
	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
