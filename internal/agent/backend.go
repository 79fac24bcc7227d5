package agent

import (
	"context"
)

// EventKind tags an event produced by an agent stream.
type EventKind string

const (
	EventToken     EventKind = "token"
	EventToolCall  EventKind = "tool_call"
	EventError     EventKind = "error"
	EventStreamEnd EventKind = "stream_end"
)

// Event is a single item of an agent stream. Data keys by kind:
//
//	token:     content
//	tool_call: tool, args, status, output
//	error:     error
type Event struct {
	Kind EventKind
	Data map[string]any
}

func TokenEvent(content string) Event {
	return Event{Kind: EventToken, Data: map[string]any{"content": content}}
}

func ToolCallEvent(tool string, args map[string]any, status, output string) Event {
	if args == nil {
		args = map[string]any{}
	}
	data := map[string]any{"tool": tool, "args": args, "status": status}
	if output != "" {
		data["output"] = output
	}
	return Event{Kind: EventToolCall, Data: data}
}

func ErrorEvent(msg string) Event {
	return Event{Kind: EventError, Data: map[string]any{"error": msg}}
}

func StreamEndEvent() Event {
	return Event{Kind: EventStreamEnd, Data: map[string]any{}}
}

// StreamRequest is one prompt submission to the agent runtime.
type StreamRequest struct {
	Prompt    string
	MessageID string
	Model     string // "model" or "provider/model"; empty uses the client default
}

// Stream yields agent events in arrival order. Recv returns io.EOF once the
// agent finishes.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// StreamClient is a connection to an agent runtime. Stop must be idempotent
// and safe to call when no stream is active.
type StreamClient interface {
	Stream(ctx context.Context, req StreamRequest) (Stream, error)
	Stop(ctx context.Context) error
	// SessionID returns the runtime's session id, empty before the first stream.
	SessionID() string
	Close() error
}

// ClientOptions configures a StreamClient created through the Registry.
type ClientOptions struct {
	URL       string
	Provider  string
	Model     string
	Directory string // workspace the agent operates on
}
