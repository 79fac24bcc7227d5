// Package bridge keeps an outbound websocket command channel to the control
// plane. Sandboxes are often not reachable from outside, so the control
// plane pushes commands down this connection instead of calling the HTTP
// command API.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/gitsync"
	"github.com/webkaz/superset/internal/sandbox"
)

// ErrUnauthorized is returned by Run when the control plane rejects the
// sandbox credentials.
var ErrUnauthorized = errors.New("bridge: control plane rejected credentials") //nolint:gochecknoglobals // sentinel error

// Command types accepted on the channel.
const (
	CommandPrompt   = "prompt"
	CommandStop     = "stop"
	CommandPush     = "push"
	CommandSnapshot = "snapshot"
	CommandStatus   = "status"
)

const (
	readLimit   = 4 << 20
	dialTimeout = 15 * time.Second
)

// Commands is the session surface the bridge dispatches to.
// *sandbox.Sandbox satisfies this interface.
type Commands interface {
	StartPrompt(ctx context.Context, cmd sandbox.PromptCommand) error
	Stop(ctx context.Context) error
	Push(ctx context.Context, cmd sandbox.PushCommand) gitsync.PushResult
	Status(ctx context.Context) sandbox.Status
	Snapshot(ctx context.Context)
}

// Options configures the bridge connection.
type Options struct {
	URL       string
	Token     string //nolint:gosec // G117: sandbox bearer token
	SessionID string
	// BackOff paces reconnect attempts. Nil means exponential backoff
	// capped at 30s.
	BackOff backoff.BackOff
}

// Reply answers exactly one command.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Command   string `json:"command"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type header struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type Bridge struct {
	opts Options
	cmds Commands
}

func New(opts Options, cmds Commands) *Bridge {
	if opts.BackOff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 30 * time.Second
		opts.BackOff = b
	}
	return &Bridge{opts: opts, cmds: cmds}
}

// Run keeps the command channel connected until ctx ends. It returns nil on
// cancellation and ErrUnauthorized when the control plane refuses the token.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return b.dial(ctx)
		}, backoff.WithBackOff(b.opts.BackOff))
		switch {
		case ctx.Err() != nil:
			if conn != nil {
				_ = conn.CloseNow()
			}
			return nil
		case errors.Is(err, ErrUnauthorized):
			return fmt.Errorf("bridge.Run: %w", err)
		case err != nil:
			log.Warn().Err(err).Msg("bridge.Run: giving up this round of reconnects, starting over")
			continue
		}

		log.Info().Str("url", b.opts.URL).Msg("bridge.Run: connected")
		err = b.serve(ctx, conn)
		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusGoingAway, "sandbox shutting down")
			return nil
		}
		_ = conn.CloseNow()
		log.Warn().Err(err).Msg("bridge.Run: connection lost, reconnecting")
	}
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+b.opts.Token)
	if b.opts.SessionID != "" {
		h.Set("X-Session-ID", b.opts.SessionID)
	}

	conn, resp, err := websocket.Dial(dialCtx, b.opts.URL, &websocket.DialOptions{HTTPHeader: h}) //nolint:bodyclose // owned by the websocket library
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, backoff.Permanent(ErrUnauthorized)
		}
		log.Debug().Err(err).Msg("bridge.dial: failed")
		return nil, fmt.Errorf("bridge.dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve reads commands until the connection fails. Pushes run off the read
// loop; every other command is handled in arrival order.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()

	write := func(reply Reply) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, reply)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("bridge.serve: read: %w", err)
		}

		if peekType(data) == CommandPush {
			wg.Go(func() {
				if writeErr := write(b.Handle(ctx, data)); writeErr != nil {
					log.Warn().Err(writeErr).Msg("bridge.serve: failed to deliver push result")
				}
			})
			continue
		}

		if err := write(b.Handle(ctx, data)); err != nil {
			return fmt.Errorf("bridge.serve: write: %w", err)
		}
	}
}

func peekType(data []byte) string {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return ""
	}
	return h.Type
}

// Handle dispatches one raw command and builds its reply.
func (b *Bridge) Handle(ctx context.Context, data []byte) Reply {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Reply{Type: "result", Error: "invalid command: " + err.Error()}
	}
	reply := Reply{Type: "result", RequestID: h.RequestID, Command: h.Type}
	logger := log.With().Str("command", h.Type).Str("request_id", h.RequestID).Logger()

	switch h.Type {
	case CommandPrompt:
		var cmd sandbox.PromptCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply.Error = "invalid prompt: " + err.Error()
			return reply
		}
		if err := b.cmds.StartPrompt(ctx, cmd); err != nil {
			logger.Warn().Err(err).Msg("bridge.Handle: prompt rejected")
			reply.Error = err.Error()
			return reply
		}
		reply.OK = true

	case CommandStop:
		if err := b.cmds.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("bridge.Handle: stop failed")
			reply.Error = err.Error()
			return reply
		}
		reply.OK = true

	case CommandPush:
		var cmd sandbox.PushCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			reply.Error = "invalid push: " + err.Error()
			return reply
		}
		res := b.cmds.Push(ctx, cmd)
		reply.OK = res.Success
		reply.Error = res.Error
		reply.Data = res

	case CommandSnapshot:
		b.cmds.Snapshot(ctx)
		reply.OK = true

	case CommandStatus:
		reply.OK = true
		reply.Data = b.cmds.Status(ctx)

	default:
		reply.Error = fmt.Sprintf("unknown command type %q", h.Type)
	}

	logger.Debug().Bool("ok", reply.OK).Msg("bridge.Handle: done")
	return reply
}
