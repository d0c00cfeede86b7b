package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/workerctl/pkg/sfu"
)

// WorkerConfig is the [worker] table of the config file.
type WorkerConfig struct {
	Count               int      `toml:"count"`
	LogLevel            string   `toml:"log_level"`
	LogTags             []string `toml:"log_tags"`
	RtcMinPort          uint16   `toml:"rtc_min_port"`
	RtcMaxPort          uint16   `toml:"rtc_max_port"`
	DtlsCertificateFile string   `toml:"dtls_certificate_file"`
	DtlsPrivateKeyFile  string   `toml:"dtls_private_key_file"`
}

// DefaultWorkerConfig mirrors sfu.DefaultWorkerSettings with one worker.
func DefaultWorkerConfig() WorkerConfig {
	s := sfu.DefaultWorkerSettings()
	tags := make([]string, len(s.LogTags))
	for i, t := range s.LogTags {
		tags[i] = string(t)
	}
	return WorkerConfig{
		Count:      1,
		LogLevel:   string(s.LogLevel),
		LogTags:    tags,
		RtcMinPort: s.RtcMinPort,
		RtcMaxPort: s.RtcMaxPort,
	}
}

// LoadWorkerSettings reads the [worker] table from path. Keys that are
// absent keep their defaults; a missing file yields the defaults.
func LoadWorkerSettings(path string) (WorkerConfig, error) {
	raw := struct {
		Worker WorkerConfig `toml:"worker"`
	}{Worker: DefaultWorkerConfig()}

	if path == "" {
		return raw.Worker, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return raw.Worker, nil
	}
	if err != nil {
		return WorkerConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return WorkerConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if _, err := raw.Worker.Settings(); err != nil {
		return WorkerConfig{}, err
	}
	return raw.Worker, nil
}

// Settings converts the table into spawn settings.
func (c WorkerConfig) Settings() (sfu.WorkerSettings, error) {
	level, err := sfu.ParseWorkerLogLevel(c.LogLevel)
	if err != nil {
		return sfu.WorkerSettings{}, err
	}
	s := sfu.WorkerSettings{
		LogLevel:            level,
		LogTags:             workerLogTags(c.LogTags),
		RtcMinPort:          c.RtcMinPort,
		RtcMaxPort:          c.RtcMaxPort,
		DtlsCertificateFile: c.DtlsCertificateFile,
		DtlsPrivateKeyFile:  c.DtlsPrivateKeyFile,
	}
	if (s.DtlsCertificateFile == "") != (s.DtlsPrivateKeyFile == "") {
		return sfu.WorkerSettings{}, errors.New("dtls_certificate_file and dtls_private_key_file must be set together")
	}
	if c.Count < 1 {
		return sfu.WorkerSettings{}, fmt.Errorf("worker count %d must be positive", c.Count)
	}
	return s, s.Validate()
}

// UpdateSettings returns the subset a running worker can apply.
func (c WorkerConfig) UpdateSettings() (sfu.WorkerUpdateSettings, error) {
	level, err := sfu.ParseWorkerLogLevel(c.LogLevel)
	if err != nil {
		return sfu.WorkerUpdateSettings{}, err
	}
	return sfu.WorkerUpdateSettings{LogLevel: level, LogTags: workerLogTags(c.LogTags)}, nil
}

// RestartRequired reports whether moving from c to next needs new workers.
func (c WorkerConfig) RestartRequired(next WorkerConfig) bool {
	return c.Count != next.Count ||
		c.RtcMinPort != next.RtcMinPort ||
		c.RtcMaxPort != next.RtcMaxPort ||
		c.DtlsCertificateFile != next.DtlsCertificateFile ||
		c.DtlsPrivateKeyFile != next.DtlsPrivateKeyFile
}

func workerLogTags(tags []string) []sfu.WorkerLogTag {
	out := make([]sfu.WorkerLogTag, len(tags))
	for i, t := range tags {
		out[i] = sfu.WorkerLogTag(t)
	}
	return out
}
