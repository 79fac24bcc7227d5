package event

import (
	"context"
	"maps"
)

// Emitter builds typed events and hands them to a Sink.
type Emitter struct {
	sink Sink
}

func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{sink: sink}
}

// Emit delivers a raw event. messageID may be empty.
func (e *Emitter) Emit(ctx context.Context, typ Type, data map[string]any, messageID string) {
	e.sink.Deliver(ctx, New(typ, data, messageID))
}

func (e *Emitter) Token(ctx context.Context, content, messageID string) {
	e.Emit(ctx, TypeToken, map[string]any{"token": content}, messageID)
}

func (e *Emitter) ToolCall(ctx context.Context, tool string, input any, messageID string) {
	e.Emit(ctx, TypeToolCall, map[string]any{"tool": tool, "input": input}, messageID)
}

// ToolResult reports a finished tool invocation. A non-empty errMsg marks the
// invocation as failed; result is then usually nil.
func (e *Emitter) ToolResult(ctx context.Context, tool string, result any, errMsg, messageID string) {
	data := map[string]any{"tool": tool, "result": result}
	if errMsg != "" {
		data["error"] = errMsg
	}
	e.Emit(ctx, TypeToolResult, data, messageID)
}

func (e *Emitter) Error(ctx context.Context, msg, messageID string) {
	e.Emit(ctx, TypeError, map[string]any{"error": msg}, messageID)
}

// GitSync reports a git phase; details are merged next to the status field.
func (e *Emitter) GitSync(ctx context.Context, status string, details map[string]any) {
	data := make(map[string]any, len(details)+1)
	maps.Copy(data, details)
	data["status"] = status
	e.Emit(ctx, TypeGitSync, data, "")
}

func (e *Emitter) ExecutionComplete(ctx context.Context, success bool, summary, messageID string) {
	e.Emit(ctx, TypeExecutionComplete, map[string]any{"success": success, "summary": summary}, messageID)
}

func (e *Emitter) Heartbeat(ctx context.Context, timestamp int64) {
	e.Emit(ctx, TypeHeartbeat, map[string]any{"timestamp": timestamp}, "")
}

func (e *Emitter) PushComplete(ctx context.Context, branch string) {
	e.Emit(ctx, TypePushComplete, map[string]any{"branchName": branch}, "")
}

func (e *Emitter) PushError(ctx context.Context, errMsg, branch string) {
	data := map[string]any{"error": errMsg}
	if branch != "" {
		data["branchName"] = branch
	}
	e.Emit(ctx, TypePushError, data, "")
}

func (e *Emitter) Ready(ctx context.Context, sandboxID, agentSessionID string) {
	data := map[string]any{"sandboxId": sandboxID}
	if agentSessionID != "" {
		data["opencodeSessionId"] = agentSessionID
	}
	e.Emit(ctx, TypeReady, data, "")
}

func (e *Emitter) SnapshotReady(ctx context.Context, agentSessionID string) {
	data := map[string]any{}
	if agentSessionID != "" {
		data["opencodeSessionId"] = agentSessionID
	}
	e.Emit(ctx, TypeSnapshotReady, data, "")
}
