package smartlab

import (
	"github.com/matthiaskaw/project-smart-lab/internal/app/config"
)

// Config re-exports the root configuration struct so embedders can construct
// or modify it programmatically.
type Config = config.Config

type (
	// ArtifactsConfig locates the socket-artifact tracking list.
	ArtifactsConfig = config.ArtifactsConfig
	// BackupConfig locates breakpoint chunk backups.
	BackupConfig = config.BackupConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// PostgresConfig configures the optional database.
	PostgresConfig = config.PostgresConfig
	// TimingsConfig overrides protocol timing defaults.
	TimingsConfig = config.TimingsConfig
	// DeviceEntry is one statically configured device.
	DeviceEntry = config.DeviceEntry
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
