// Package config loads and validates the host configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matthiaskaw/project-smart-lab/internal/device"
	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/pipe"
	"github.com/matthiaskaw/project-smart-lab/internal/process"
)

type Config struct {
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Backup    BackupConfig    `yaml:"backup"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Timings   TimingsConfig   `yaml:"timings"`
	Devices   []DeviceEntry   `yaml:"devices"`
}

// ArtifactsConfig locates the socket-artifact tracking list.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// BackupConfig locates the breakpoint chunk backups.
type BackupConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PostgresConfig is optional; with an empty conn string the host runs on the
// in-memory store seeded from the devices list.
type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
}

// TimingsConfig overrides the device protocol timing defaults. Zero values
// keep the built-in defaults.
type TimingsConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HandshakeAttempts int           `yaml:"handshake_attempts"`
	HandshakeDelay    time.Duration `yaml:"handshake_delay"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	FinishGrace       time.Duration `yaml:"finish_grace"`
	CancelGrace       time.Duration `yaml:"cancel_grace"`
	ParameterCacheTTL time.Duration `yaml:"parameter_cache_ttl"`
	PrepareGrace      time.Duration `yaml:"prepare_grace"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

// DeviceEntry is one statically configured device.
type DeviceEntry struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Executable string            `yaml:"executable"`
	Identifier string            `yaml:"identifier"`
	Properties map[string]string `yaml:"properties"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "./data/artifacts"
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = "./data/backup"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) validate() error {
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.Postgres.ConnString == "" && len(c.Devices) == 0 {
		return fmt.Errorf("either postgres.conn_string or a devices list is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if d.Executable == "" {
			return fmt.Errorf("devices[%d] (%s): executable is required", i, d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// DeviceOptions maps the configured timings onto device options. Unset
// values fall through to the protocol defaults.
func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		ConnectTimeout:    c.Timings.ConnectTimeout,
		HandshakeAttempts: c.Timings.HandshakeAttempts,
		HandshakeDelay:    c.Timings.HandshakeDelay,
		ResponseTimeout:   c.Timings.ResponseTimeout,
		FinishGrace:       c.Timings.FinishGrace,
		CancelGrace:       c.Timings.CancelGrace,
		ParameterCacheTTL: c.Timings.ParameterCacheTTL,
		BackupDir:         c.Backup.Dir,
		Channel:           pipe.Options{PrepareGrace: c.Timings.PrepareGrace},
		Process: process.Options{
			SettleDelay: c.Timings.SettleDelay,
			StopTimeout: c.Timings.StopTimeout,
		},
	}
}

// DeviceConfigs converts the static devices list to domain configurations.
func (c *Config) DeviceConfigs() []domain.DeviceConfig {
	out := make([]domain.DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		out = append(out, domain.DeviceConfig{
			ID:         d.ID,
			Name:       d.Name,
			Executable: d.Executable,
			Identifier: d.Identifier,
			Properties: d.Properties,
		})
	}
	return out
}
