package domain

import "time"

// StructuredPayload is one block of measurement data as reported by a device
// agent. RawData lines are opaque; their format is the device's choice and is
// forwarded byte-for-byte.
type StructuredPayload struct {
	Parameters     map[string]any `json:"parameters,omitempty"`
	RawData        []string       `json:"rawData"`
	Timestamp      time.Time      `json:"timestamp"`
	SequenceNumber int            `json:"sequenceNumber"`
	IsComplete     bool           `json:"isComplete"`
	IsPartialData  bool           `json:"isPartialData"`
}

// BreakpointChunk is one acknowledged slice of a streaming measurement.
type BreakpointChunk struct {
	SequenceNumber int            `json:"sequenceNumber"`
	IsComplete     bool           `json:"isComplete"`
	RawData        []string       `json:"rawData"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Result is the one-shot outcome of a measurement run, published exactly once
// on the measurement's result channel.
type Result struct {
	MeasurementID string
	DeviceID      string
	RawData       []string
	CompletedAt   time.Time
}
