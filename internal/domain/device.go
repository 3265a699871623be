package domain

// DeviceConfig is the launch configuration for one device agent. It is owned
// by the configuration store; the host reads a fresh copy per measurement
// start so no state leaks between runs.
type DeviceConfig struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Executable string            `json:"executable"`
	Identifier string            `json:"identifier"`
	Properties map[string]string `json:"properties,omitempty"`
}
