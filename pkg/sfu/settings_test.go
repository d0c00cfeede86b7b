package sfu

import (
	"slices"
	"testing"
)

func TestParseWorkerLogLevel(t *testing.T) {
	for _, s := range []string{"debug", "warn", "error", "none"} {
		if l, err := ParseWorkerLogLevel(s); err != nil || string(l) != s {
			t.Errorf("ParseWorkerLogLevel(%q) = %q, %v", s, l, err)
		}
	}
	for _, s := range []string{"", "info", "DEBUG"} {
		if _, err := ParseWorkerLogLevel(s); err == nil {
			t.Errorf("ParseWorkerLogLevel(%q) should fail", s)
		}
	}
}

func TestWorkerSettingsArgs(t *testing.T) {
	s := WorkerSettings{
		LogLevel:            WorkerLogLevelDebug,
		RtcMinPort:          40000,
		RtcMaxPort:          40100,
		DtlsCertificateFile: "/etc/cert.pem",
		DtlsPrivateKeyFile:  "/etc/key.pem",
	}
	want := []string{
		"--logLevel=debug",
		"--rtcMinPort=40000",
		"--rtcMaxPort=40100",
		"--dtlsCertificateFile=/etc/cert.pem",
		"--dtlsPrivateKeyFile=/etc/key.pem",
	}
	if got := s.args(); !slices.Equal(got, want) {
		t.Errorf("args() = %v, want %v", got, want)
	}
}

func TestDefaultWorkerSettings(t *testing.T) {
	s := DefaultWorkerSettings()
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if s.LogLevel != WorkerLogLevelError || s.RtcMinPort != 10000 || s.RtcMaxPort != 59999 {
		t.Errorf("unexpected defaults: %+v", s)
	}
	s.LogTags[0] = "mutated"
	if AllWorkerLogTags[0] != WorkerLogTagInfo {
		t.Error("defaults must not share the tag slice")
	}
}

func TestWorkerSettingsValidate(t *testing.T) {
	s := DefaultWorkerSettings()
	s.RtcMinPort, s.RtcMaxPort = 5000, 5000
	if err := s.Validate(); err != nil {
		t.Errorf("single port range should be valid: %v", err)
	}
	s.RtcMinPort = 5001
	if err := s.Validate(); err == nil {
		t.Error("inverted range should be invalid")
	}
}
