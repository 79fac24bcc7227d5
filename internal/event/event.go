package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type tags an outbound event on the control-plane wire.
type Type string

const (
	TypeToolCall          Type = "tool_call"
	TypeToolResult        Type = "tool_result"
	TypeToken             Type = "token"
	TypeError             Type = "error"
	TypeGitSync           Type = "git_sync"
	TypeExecutionComplete Type = "execution_complete"
	TypeHeartbeat         Type = "heartbeat"
	TypePushComplete      Type = "push_complete"
	TypePushError         Type = "push_error"
	TypeReady             Type = "ready"
	TypeSnapshotReady     Type = "snapshot_ready"
)

// Event is the wire representation of a single emission to the control plane.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Data      map[string]any `json:"data"`
	MessageID string         `json:"messageId,omitempty"`
}

// New builds an event with a fresh id and the current time.
func New(typ Type, data map[string]any, messageID string) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		MessageID: messageID,
	}
}

// Sink is a best-effort event destination. Deliver never reports failure to
// the caller; implementations log and drop.
type Sink interface {
	Deliver(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Deliver(ctx context.Context, evt Event) { f(ctx, evt) }

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, evt Event) {
	for _, s := range m {
		if s != nil {
			s.Deliver(ctx, evt)
		}
	}
}

// Discard drops all events.
var Discard Sink = SinkFunc(func(context.Context, Event) {}) //nolint:gochecknoglobals // no-op sink
