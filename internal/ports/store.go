package ports

import "github.com/matthiaskaw/project-smart-lab/internal/domain"

// ConfigStore supplies device launch configurations. The host reads a fresh
// copy for every measurement start.
type ConfigStore interface {
	LaunchConfig(deviceID string) (*domain.DeviceConfig, error)
}

// ResultSink receives the outcome of finished measurements. Implementations
// must tolerate being called while the host is shutting down.
type ResultSink interface {
	MeasurementComplete(measurementID string, rawLines []string) error
	MeasurementFailed(measurementID string, cause error) error
	Name() string
}
