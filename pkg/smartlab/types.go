package smartlab

import (
	"github.com/matthiaskaw/project-smart-lab/internal/device"
	"github.com/matthiaskaw/project-smart-lab/internal/domain"
	"github.com/matthiaskaw/project-smart-lab/internal/ports"
)

// DeviceConfig is the launch configuration for one device agent.
type DeviceConfig = domain.DeviceConfig

// ParameterDescriptor describes one measurement parameter a device requires.
type ParameterDescriptor = domain.ParameterDescriptor

// ParameterType enumerates descriptor value types.
type ParameterType = domain.ParameterType

// StructuredPayload is the parsed result of a structured data exchange.
type StructuredPayload = domain.StructuredPayload

// Result is the terminal outcome of a completed measurement.
type Result = domain.Result

// DeviceOptions tunes protocol timings, handshake budgets, and backup paths.
type DeviceOptions = device.Options

// ConfigStore resolves device launch configurations.
type ConfigStore = ports.ConfigStore

// ResultSink consumes terminal measurement outcomes.
type ResultSink = ports.ResultSink

// Observability emits the host's logs and metrics.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Parameter type constants.
const (
	ParameterString   = domain.ParameterString
	ParameterInteger  = domain.ParameterInteger
	ParameterDouble   = domain.ParameterDouble
	ParameterBoolean  = domain.ParameterBoolean
	ParameterDateTime = domain.ParameterDateTime
)
