// Package protocol defines the wire messages exchanged between the bridge and
// the browser agent, and the shared application error taxonomy.
package protocol

import (
	"encoding/json"
	"time"
)

// Frame types carried over the agent socket. A frame either has a Type
// (register/ping/pong) or an ID (call or reply); never both.
const (
	TypeRegister = "register"
	TypePing     = "ping"
	TypePong     = "pong"
)

// ToolSpec describes one tool the agent can execute. The schema is a
// JSON-Schema-shaped object describing the call params.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Frame is the single envelope for all agent-socket traffic.
//
// register:  {type:"register", tools:[...]}
// liveness:  {type:"ping"|"pong", timestamp}
// call:      {id, method, params}
// reply:     {id, result} or {id, error}
type Frame struct {
	Type      string          `json:"type,omitempty"`
	Tools     []ToolSpec      `json:"tools,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// IsReply reports whether the frame answers an outstanding call.
func (f *Frame) IsReply() bool {
	return f.ID != "" && f.Method == "" && f.Type == ""
}

// IsCall reports whether the frame is a forwarded tool invocation.
func (f *Frame) IsCall() bool {
	return f.ID != "" && f.Method != ""
}

// NewPing builds a liveness probe frame stamped with the current time.
func NewPing() Frame {
	return Frame{Type: TypePing, Timestamp: time.Now().UnixMilli()}
}

// NewPong answers a ping, echoing the current time.
func NewPong() Frame {
	return Frame{Type: TypePong, Timestamp: time.Now().UnixMilli()}
}

// NewReply builds a successful reply for the given call id.
func NewReply(id string, result interface{}) Frame {
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorReply(id, Wrap(ErrToolExecutionFailed, "result not serializable: "+err.Error()))
	}
	return Frame{ID: id, Result: raw}
}

// NewErrorReply builds a failed reply for the given call id.
func NewErrorReply(id string, err *Error) Frame {
	return Frame{ID: id, Error: err}
}
