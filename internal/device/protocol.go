package device

import (
	"encoding/json"
	"strings"

	"github.com/matthiaskaw/project-smart-lab/internal/domain"
)

// Line protocol vocabulary. Commands go out on the command stream, replies
// come back on the response stream; everything is newline-terminated UTF-8.
const (
	cmdInitialize          = "INITIALIZE"
	cmdGetParameters       = "GETPARAMETERS"
	cmdSetParametersPrefix = "SETPARAMETERS:"
	cmdGetDataStructured   = "GETDATA_STRUCTURED"
	cmdGetDataBreakpoints  = "GETDATA_STRUCTURED_BREAKPOINTS"
	cmdGetData             = "GETDATA"
	cmdBreakpointAck       = "BREAKPOINT_ACK"
	cmdContinue            = "CONTINUE"
	cmdCancel              = "CANCEL"
	cmdFinish              = "FINISH"

	replyParamsSet        = "PARAMS_SET"
	replyDataPrefix       = "DATA:"
	replyBreakpointPrefix = "BREAKPOINT_DATA:"
	replyComplete         = "MEASUREMENT_COMPLETE"
	replyErrorPrefix      = "ERROR:"
	replyErrUnsupported   = "ERROR:UNSUPPORTED"

	// Two historical prefixes for parameter discovery exist in the field;
	// both are accepted, no third variant may be added.
	replyParamsPrefix       = "PARAMS:"
	replyParamsLegacyPrefix = "PARAMETERS "
)

// breakpointFlag is the parameter key an agent-facing caller sets to request
// the acknowledged streaming mode.
const breakpointFlag = "useBreakpoints"

// parseParameterList decodes a GETPARAMETERS reply. ok is false when the line
// matches neither prefix or carries malformed JSON.
func parseParameterList(line string) (params []domain.ParameterDescriptor, ok bool) {
	var payload string
	switch {
	case strings.HasPrefix(line, replyParamsPrefix):
		payload = strings.TrimPrefix(line, replyParamsPrefix)
	case strings.HasPrefix(line, replyParamsLegacyPrefix):
		payload = strings.TrimPrefix(line, replyParamsLegacyPrefix)
	default:
		return nil, false
	}

	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return nil, false
	}
	return params, true
}

// breakpointRequested reports whether the parameter map asks for the
// acknowledged streaming mode.
func breakpointRequested(params map[string]any) bool {
	v, ok := params[breakpointFlag]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

// splitLegacyData turns a legacy GETDATA reply into raw data lines.
func splitLegacyData(line string) []string {
	if line == "" {
		return nil
	}
	return strings.Split(line, ";")
}
