package protocol

import "fmt"

// Application error codes. These survive the wire intact so the bridge can
// relay agent-side failures to the MCP client without translation.
const (
	ErrAgentUnavailable    = "agent_unavailable"
	ErrContextNotFound     = "context_not_found"
	ErrAgentUnreachable    = "agent_unreachable"
	ErrToolCallTimeout     = "tool_call_timeout"
	ErrToolExecutionFailed = "tool_execution_failed"
	ErrValidation          = "validation_error"
	ErrInjectionRestricted = "injection_restricted"
)

// Error is the structured application error carried in reply frames and
// surfaced to MCP clients. All application errors map to JSON-RPC -32603
// at the protocol boundary; Code disambiguates them.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Wrap builds an Error from a code and message.
func Wrap(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrapf builds an Error with a formatted message.
func Wrapf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError coerces any error into a protocol Error, defaulting the code to
// tool_execution_failed for plain errors from handlers.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: ErrToolExecutionFailed, Message: err.Error()}
}

// IsCode reports whether err is a protocol Error with the given code.
func IsCode(err error, code string) bool {
	pe, ok := err.(*Error)
	return ok && pe.Code == code
}
