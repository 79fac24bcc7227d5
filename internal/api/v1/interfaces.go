package v1

import (
	"context"

	"github.com/webkaz/superset/internal/gitsync"
	"github.com/webkaz/superset/internal/sandbox"
)

// Sandbox abstracts the session commands for handler testing.
// *sandbox.Sandbox satisfies this interface.
type Sandbox interface {
	StartPrompt(ctx context.Context, cmd sandbox.PromptCommand) error
	Stop(ctx context.Context) error
	Push(ctx context.Context, cmd sandbox.PushCommand) gitsync.PushResult
	Status(ctx context.Context) sandbox.Status
	Snapshot(ctx context.Context)
}
