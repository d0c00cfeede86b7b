package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runProbe(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := CreateProbeCmd()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestProbeRejectsLogLevel(t *testing.T) {
	_, err := runProbe(t, "--log-level", "verbose", "--binary", "/bin/true")
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "verbose") {
		t.Errorf("error %q does not name the level", err)
	}
}

func TestProbeMissingBinary(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-worker")
	_, err := runProbe(t, "--binary", missing, "--timeout", "2s")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "start worker") {
		t.Errorf("error = %v, want start worker failure", err)
	}
}

func TestProbeRejectsArgs(t *testing.T) {
	if _, err := runProbe(t, "extra"); err == nil {
		t.Error("expected error for positional argument")
	}
}

func TestProbeFlags(t *testing.T) {
	c := CreateProbeCmd()
	for _, name := range []string{"binary", "wrapper", "log-level", "timeout"} {
		if c.Flags().Lookup(name) == nil {
			t.Errorf("missing flag %q", name)
		}
	}
	if got := c.Flags().Lookup("log-level").DefValue; got != "warn" {
		t.Errorf("log-level default = %q, want warn", got)
	}
}
