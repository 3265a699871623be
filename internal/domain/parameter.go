package domain

// ParameterType enumerates the value types a device agent may declare for a
// measurement parameter.
type ParameterType string

const (
	ParameterString   ParameterType = "string"
	ParameterInteger  ParameterType = "integer"
	ParameterDouble   ParameterType = "double"
	ParameterBoolean  ParameterType = "boolean"
	ParameterDateTime ParameterType = "datetime"
)

// ParameterDescriptor describes one parameter a device agent accepts before a
// measurement. The agent reports these in response to GETPARAMETERS.
type ParameterDescriptor struct {
	Name         string         `json:"name"`
	DisplayName  string         `json:"displayName,omitempty"`
	Description  string         `json:"description,omitempty"`
	Type         ParameterType  `json:"type"`
	DefaultValue any            `json:"defaultValue,omitempty"`
	Required     bool           `json:"required"`
	Unit         string         `json:"unit,omitempty"`
	Validation   map[string]any `json:"validation,omitempty"`
}
