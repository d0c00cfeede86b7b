package config

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/smazurov/workerctl/pkg/sfu"
	"github.com/spf13/cobra"
)

type testOptions struct {
	Config string `help:"Config file path"`

	Name    string        `toml:"test.name" env:"NAME"`
	Enabled bool          `toml:"test.enabled" env:"ENABLED"`
	Count   int           `toml:"test.count" env:"COUNT"`
	Port    uint16        `toml:"test.port" env:"PORT"`
	Timeout time.Duration `toml:"test.timeout" env:"TIMEOUT"`
	Tags    []string      `toml:"test.tags" env:"TAGS"`
	Nested  string        `toml:"nested.deep.value" env:"NESTED"`
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workerctl.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const testTOML = `
[test]
name = "from toml"
enabled = true
count = 4
port = 8090
timeout = "250ms"
tags = ["ice", "dtls"]

[nested.deep]
value = "deep"
`

func TestLoadConfigFromTOML(t *testing.T) {
	opts := &testOptions{Config: writeFile(t, testTOML)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := testOptions{
		Config:  opts.Config,
		Name:    "from toml",
		Enabled: true,
		Count:   4,
		Port:    8090,
		Timeout: 250 * time.Millisecond,
		Tags:    []string{"ice", "dtls"},
		Nested:  "deep",
	}
	if !reflect.DeepEqual(*opts, want) {
		t.Errorf("got %+v, want %+v", *opts, want)
	}
}

func TestLoadConfigEnvOverridesTOML(t *testing.T) {
	t.Setenv("WORKERCTL_NAME", "from env")
	t.Setenv("WORKERCTL_PORT", "9000")
	t.Setenv("WORKERCTL_TAGS", " rtp , ,rtcp ")
	t.Setenv("WORKERCTL_TIMEOUT", "2s")

	opts := &testOptions{Config: writeFile(t, testTOML)}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.Name != "from env" || opts.Port != 9000 || opts.Timeout != 2*time.Second {
		t.Errorf("env not applied: %+v", opts)
	}
	if !slices.Equal(opts.Tags, []string{"rtp", "rtcp"}) {
		t.Errorf("Tags = %v", opts.Tags)
	}
	if opts.Count != 4 {
		t.Errorf("Count = %d, want TOML value 4", opts.Count)
	}
}

func TestLoadConfigSkipsChangedFlags(t *testing.T) {
	t.Setenv("WORKERCTL_NAME", "from env")

	var name string
	var count int
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&name, "name", "", "")
	cmd.Flags().IntVar(&count, "count", 0, "")
	if err := cmd.Flags().Parse([]string{"--name=from-cli"}); err != nil {
		t.Fatal(err)
	}

	opts := &testOptions{Config: writeFile(t, testTOML), Name: name}
	if err := LoadConfig(opts, cmd); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if opts.Name != "from-cli" {
		t.Errorf("Name = %q, CLI value must win", opts.Name)
	}
	if opts.Count != 4 {
		t.Errorf("Count = %d, unchanged flags still load from TOML", opts.Count)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		toml  string
		env   map[string]string
		valid bool
	}{
		{name: "missing file is fine", valid: true},
		{name: "invalid toml", toml: "[test\nbroken"},
		{name: "port overflow", toml: "[test]\nport = 70000\n"},
		{name: "wrong type", toml: "[test]\nname = 3\n"},
		{name: "bad env int", env: map[string]string{"WORKERCTL_COUNT": "many"}},
		{name: "bad env duration", env: map[string]string{"WORKERCTL_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			opts := &testOptions{Config: filepath.Join(t.TempDir(), "absent.toml")}
			if tt.toml != "" {
				opts.Config = writeFile(t, tt.toml)
			}
			err := LoadConfig(opts, nil)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(testOptions{}, nil); err == nil {
		t.Error("expected error for non-pointer options")
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"a":    map[string]any{"b": map[string]any{"c": "deep"}, "flat": "x"},
		"root": "r",
	}
	tests := []struct {
		path string
		want any
	}{
		{"root", "r"},
		{"a.flat", "x"},
		{"a.b.c", "deep"},
		{"missing", nil},
		{"root.child", nil},
		{"a.b.missing", nil},
	}
	for _, tt := range tests {
		if got := getNestedValue(data, tt.path); got != tt.want {
			t.Errorf("getNestedValue(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestFieldNameToFlag(t *testing.T) {
	tests := map[string]string{
		"Port":         "port",
		"WorkerBin":    "worker-bin",
		"LoggingLevel": "logging-level",
	}
	for in, want := range tests {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeFile(t, `
[logging]
level = "debug"
format = "json"
worker = "warn"
channel = "error"
`)
	cfg := LoadLoggingConfig(path)
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Errorf("got level=%q format=%q", cfg.Level, cfg.Format)
	}
	if cfg.Modules["worker"] != "warn" || cfg.Modules["channel"] != "error" || len(cfg.Modules) != 2 {
		t.Errorf("Modules = %v", cfg.Modules)
	}

	def := LoadLoggingConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if def.Level != "info" || def.Format != "text" {
		t.Errorf("defaults = %+v", def)
	}
}

func TestLoadWorkerSettings(t *testing.T) {
	path := writeFile(t, `
[worker]
count = 3
log_level = "debug"
log_tags = ["ice", "dtls"]
rtc_min_port = 40000
rtc_max_port = 40100
`)
	cfg, err := LoadWorkerSettings(path)
	if err != nil {
		t.Fatalf("LoadWorkerSettings failed: %v", err)
	}
	if cfg.Count != 3 {
		t.Errorf("Count = %d", cfg.Count)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if s.LogLevel != sfu.WorkerLogLevelDebug || s.RtcMinPort != 40000 || s.RtcMaxPort != 40100 {
		t.Errorf("unexpected settings: %+v", s)
	}
	if !slices.Equal(s.LogTags, []sfu.WorkerLogTag{sfu.WorkerLogTagIce, sfu.WorkerLogTagDtls}) {
		t.Errorf("LogTags = %v", s.LogTags)
	}
}

func TestLoadWorkerSettingsDefaults(t *testing.T) {
	cfg, err := LoadWorkerSettings(writeFile(t, "[logging]\nlevel = \"info\"\n"))
	if err != nil {
		t.Fatalf("LoadWorkerSettings failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultWorkerConfig()) {
		t.Errorf("got %+v, want defaults", cfg)
	}

	missing, err := LoadWorkerSettings(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil || missing.Count != 1 {
		t.Errorf("missing file: %+v, %v", missing, err)
	}
}

func TestLoadWorkerSettingsInvalid(t *testing.T) {
	tests := map[string]string{
		"log level":    "[worker]\nlog_level = \"verbose\"\n",
		"port range":   "[worker]\nrtc_min_port = 5000\nrtc_max_port = 4000\n",
		"port type":    "[worker]\nrtc_min_port = 70000\n",
		"count":        "[worker]\ncount = 0\n",
		"half dtls":    "[worker]\ndtls_certificate_file = \"/etc/cert.pem\"\n",
		"broken table": "[worker\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadWorkerSettings(writeFile(t, content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestWorkerConfigRestartRequired(t *testing.T) {
	base := DefaultWorkerConfig()

	logOnly := base
	logOnly.LogLevel = "debug"
	logOnly.LogTags = []string{"rtp"}
	if base.RestartRequired(logOnly) {
		t.Error("log changes apply to live workers")
	}

	ports := base
	ports.RtcMaxPort = 20000
	if !base.RestartRequired(ports) {
		t.Error("port changes need new workers")
	}

	u, err := logOnly.UpdateSettings()
	if err != nil || u.LogLevel != sfu.WorkerLogLevelDebug || len(u.LogTags) != 1 {
		t.Errorf("UpdateSettings = %+v, %v", u, err)
	}
}
