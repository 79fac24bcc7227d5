package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/event"
)

// ErrNoClient is returned when a connector yields no client.
var ErrNoClient = errors.New("agent: no stream client") //nolint:gochecknoglobals // sentinel error

const (
	stoppedByUser     = "Stopped by user"
	stoppedByUserLong = "Execution stopped by user"
	promptCompleted   = "Prompt completed"
	unknownError      = "Unknown error"
	unknownMessageID  = "unknown"
)

// IdentityConfigurer sets the commit author of the workspace.
type IdentityConfigurer interface {
	ConfigureIdentity(ctx context.Context, name, email string) error
}

// Author identifies the user a prompt runs on behalf of.
type Author struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"githubName,omitempty"`
	Email  string `json:"githubEmail,omitempty"`
}

// PromptRequest is one submission to the Controller.
type PromptRequest struct {
	Prompt    string
	MessageID string
	Model     string
	Author    *Author
	// OnEvent receives every translated event flattened into {type, ...data}.
	OnEvent func(map[string]any)
}

// ExecutionResult is the outcome of a single Submit.
type ExecutionResult struct {
	Success   bool             `json:"success"`
	Output    string           `json:"output,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Controller runs prompts against an agent stream and translates its events
// into outbound events. One Controller serves one session; callers must not
// run Submit concurrently on the same Controller.
type Controller struct {
	connect  Connector
	identity IdentityConfigurer
	emitter  *event.Emitter
	model    string

	mu      sync.Mutex
	client  StreamClient
	stopped atomic.Bool
}

func NewController(connect Connector, identity IdentityConfigurer, emitter *event.Emitter, defaultModel string) *Controller {
	if emitter == nil {
		emitter = event.NewEmitter(nil)
	}
	return &Controller{
		connect:  connect,
		identity: identity,
		emitter:  emitter,
		model:    defaultModel,
	}
}

// Submit streams a prompt to completion, stop or failure. It never returns
// an error; failures are carried in the result and reported as events.
func (c *Controller) Submit(ctx context.Context, req PromptRequest) (res ExecutionResult) {
	msgID := req.MessageID

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("message_id", msgID).Msg("agent.Controller.Submit: recovered")
			res = c.fail(ctx, fmt.Sprint(r), msgID)
		}
	}()

	c.configureIdentity(ctx, req.Author)

	client, err := c.clientFor(ctx)
	if err != nil {
		return c.fail(ctx, err.Error(), msgID)
	}
	if c.stopped.Load() {
		return c.stop(ctx, client, msgID)
	}

	stream, err := client.Stream(ctx, StreamRequest{
		Prompt:    req.Prompt,
		MessageID: cmp.Or(msgID, unknownMessageID),
		Model:     cmp.Or(req.Model, c.model),
	})
	if err != nil {
		return c.fail(ctx, err.Error(), msgID)
	}
	defer stream.Close()

	var output string
	toolCalls := []map[string]any{}

	for {
		evt, recvErr := stream.Recv()
		if recvErr != nil && !errors.Is(recvErr, io.EOF) {
			if c.stopped.Load() {
				return c.stop(ctx, client, msgID)
			}
			return c.fail(ctx, recvErr.Error(), msgID)
		}

		if c.stopped.Load() {
			return c.stop(ctx, client, msgID)
		}

		if errors.Is(recvErr, io.EOF) || evt.Kind == EventStreamEnd {
			break
		}

		c.translate(ctx, evt, msgID)
		if req.OnEvent != nil {
			req.OnEvent(flatten(evt))
		}

		switch evt.Kind {
		case EventToken:
			output, _ = evt.Data["content"].(string)
		case EventToolCall:
			if ParseToolCall(evt.Data).Phase == ToolPhaseStarted {
				toolCalls = append(toolCalls, evt.Data)
			}
		case EventError:
			msg := errorMessage(evt.Data)
			c.emitter.ExecutionComplete(ctx, false, msg, msgID)
			return ExecutionResult{Error: msg}
		case EventStreamEnd:
		}
	}

	c.emitter.ExecutionComplete(ctx, true, promptCompleted, msgID)
	return ExecutionResult{Success: true, Output: output, ToolCalls: toolCalls}
}

// Reset clears a pending stop request. Submit never clears it; call Reset
// when a new prompt is accepted, before Submit starts.
func (c *Controller) Reset() {
	c.stopped.Store(false)
}

// Stop requests the active run to end. It is idempotent and safe to call
// concurrently with Submit.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopped.Store(true)

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("agent.Controller.Stop: %w", err)
	}
	return nil
}

// Cleanup releases the stream client, if any.
func (c *Controller) Cleanup() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("agent.Controller.Cleanup: %w", err)
	}
	return nil
}

// SessionID returns the agent runtime session id, empty before the first run.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return ""
	}
	return c.client.SessionID()
}

// clientFor does not hold mu while connecting. Submit is never concurrent,
// so at most one connect is in flight.
func (c *Controller) clientFor(ctx context.Context) (StreamClient, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil {
		return client, nil
	}
	if c.connect == nil {
		return nil, ErrNoClient
	}
	client, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent.Controller: connect: %w", err)
	}
	if client == nil {
		return nil, ErrNoClient
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	return client, nil
}

func (c *Controller) configureIdentity(ctx context.Context, author *Author) {
	if author == nil || author.Name == "" || author.Email == "" || c.identity == nil {
		return
	}
	log.Info().Str("name", author.Name).Str("email", author.Email).Msg("agent.Controller: configuring git identity")
	if err := c.identity.ConfigureIdentity(ctx, author.Name, author.Email); err != nil {
		log.Warn().Err(err).Msg("agent.Controller: failed to configure git identity")
	}
}

func (c *Controller) translate(ctx context.Context, evt Event, msgID string) {
	switch evt.Kind {
	case EventToken:
		if content, _ := evt.Data["content"].(string); content != "" {
			c.emitter.Token(ctx, content, msgID)
		}
	case EventToolCall:
		tc := ParseToolCall(evt.Data)
		switch tc.Phase {
		case ToolPhaseStarted:
			c.emitter.ToolCall(ctx, tc.Tool, tc.Args, msgID)
		case ToolPhaseCompleted:
			c.emitter.ToolResult(ctx, tc.Tool, tc.Output, "", msgID)
		case ToolPhaseFailed:
			c.emitter.ToolResult(ctx, tc.Tool, nil, cmp.Or(tc.Output, unknownError), msgID)
		case ToolPhaseUnknown:
		}
	case EventError:
		c.emitter.Error(ctx, errorMessage(evt.Data), msgID)
	case EventStreamEnd:
	}
}

func (c *Controller) stop(ctx context.Context, client StreamClient, msgID string) ExecutionResult {
	if err := client.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("agent.Controller: failed to stop agent session")
	}
	c.emitter.Error(ctx, stoppedByUserLong, msgID)
	return ExecutionResult{Error: stoppedByUser}
}

func (c *Controller) fail(ctx context.Context, msg, msgID string) ExecutionResult {
	log.Error().Str("message_id", msgID).Str("error", msg).Msg("agent.Controller.Submit: run failed")
	c.emitter.Error(ctx, msg, msgID)
	c.emitter.ExecutionComplete(ctx, false, msg, msgID)
	return ExecutionResult{Error: msg}
}

func errorMessage(data map[string]any) string {
	if msg, ok := data["error"].(string); ok && msg != "" {
		return msg
	}
	return unknownError
}

func flatten(evt Event) map[string]any {
	out := make(map[string]any, len(evt.Data)+1)
	maps.Copy(out, evt.Data)
	out["type"] = string(evt.Kind)
	return out
}
