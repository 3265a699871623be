package smartlab

import (
	base "github.com/matthiaskaw/project-smart-lab/pkg/smartlab"
)

// Re-exported errors for convenience.
var (
	ErrMeasurementNotFound = base.ErrMeasurementNotFound
	ErrDeviceBusy          = base.ErrDeviceBusy
	ErrHostNotStarted      = base.ErrHostNotStarted
	ErrChannelSinkClosed   = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/matthiaskaw/project-smart-lab directly.
type (
	Config              = base.Config
	ArtifactsConfig     = base.ArtifactsConfig
	BackupConfig        = base.BackupConfig
	MetricsConfig       = base.MetricsConfig
	PostgresConfig      = base.PostgresConfig
	TimingsConfig       = base.TimingsConfig
	DeviceEntry         = base.DeviceEntry
	Host                = base.Host
	HostOption          = base.HostOption
	DeviceConfig        = base.DeviceConfig
	DeviceOptions       = base.DeviceOptions
	ParameterDescriptor = base.ParameterDescriptor
	ParameterType       = base.ParameterType
	StructuredPayload   = base.StructuredPayload
	Result              = base.Result
	ResultFunc          = base.ResultFunc
	ConfigStore         = base.ConfigStore
	ResultSink          = base.ResultSink
	Observability       = base.Observability
	Field               = base.Field
)

// Parameter type constants.
const (
	ParameterString   = base.ParameterString
	ParameterInteger  = base.ParameterInteger
	ParameterDouble   = base.ParameterDouble
	ParameterBoolean  = base.ParameterBoolean
	ParameterDateTime = base.ParameterDateTime
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Host construction and options.
func NewHost(cfg *Config, opts ...HostOption) (*Host, error) {
	return base.NewHost(cfg, opts...)
}

func WithConfigStore(s ConfigStore) HostOption {
	return base.WithConfigStore(s)
}

func WithResultSink(s ResultSink) HostOption {
	return base.WithResultSink(s)
}

func WithObservability(obs Observability) HostOption {
	return base.WithObservability(obs)
}

func WithDeviceOptions(opts DeviceOptions) HostOption {
	return base.WithDeviceOptions(opts)
}

// Result sink adapters.
func NewCallbackSink(name string, fn ResultFunc) ResultSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (ResultSink, <-chan Result, func()) {
	return base.NewChannelSink(name, buffer)
}
