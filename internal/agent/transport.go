package agent

import "fmt"

// ToolPhase is the lifecycle stage of a tool invocation.
type ToolPhase int

const (
	ToolPhaseUnknown ToolPhase = iota
	ToolPhaseStarted
	ToolPhaseCompleted
	ToolPhaseFailed
)

func (p ToolPhase) String() string {
	switch p {
	case ToolPhaseStarted:
		return "started"
	case ToolPhaseCompleted:
		return "completed"
	case ToolPhaseFailed:
		return "failed"
	case ToolPhaseUnknown:
	}
	return "unknown"
}

// ParseToolPhase maps a runtime status string onto a phase.
func ParseToolPhase(status string) ToolPhase {
	switch status {
	case "pending", "running":
		return ToolPhaseStarted
	case "completed":
		return ToolPhaseCompleted
	case "error":
		return ToolPhaseFailed
	}
	return ToolPhaseUnknown
}

// ToolCall is the decoded payload of a tool_call event.
type ToolCall struct {
	Tool   string
	Args   any
	Phase  ToolPhase
	Output string
}

// ParseToolCall decodes a tool_call event payload. Missing fields fall back to
// tool "unknown", empty args and empty output.
func ParseToolCall(data map[string]any) ToolCall {
	tc := ToolCall{Tool: "unknown", Args: map[string]any{}}
	if v, ok := data["tool"].(string); ok && v != "" {
		tc.Tool = v
	}
	if v, ok := data["args"]; ok && v != nil {
		tc.Args = v
	}
	if v, ok := data["status"].(string); ok {
		tc.Phase = ParseToolPhase(v)
	}
	switch v := data["output"].(type) {
	case nil:
	case string:
		tc.Output = v
	default:
		tc.Output = fmt.Sprint(v)
	}
	return tc
}
