// Package sandbox ties the agent controller and the git synchronization
// manager into one session lifecycle driven by control-plane commands.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/webkaz/superset/internal/agent"
	"github.com/webkaz/superset/internal/config"
	"github.com/webkaz/superset/internal/event"
	"github.com/webkaz/superset/internal/gitsync"
)

// ErrSessionBusy is returned when a prompt arrives while another is running.
var ErrSessionBusy = errors.New("sandbox: a prompt is already running") //nolint:gochecknoglobals // sentinel error

// ErrEmptyPrompt is returned for a prompt command without content.
var ErrEmptyPrompt = errors.New("sandbox: prompt is empty") //nolint:gochecknoglobals // sentinel error

// Git is the subset of gitsync.Manager the sandbox drives.
type Git interface {
	Clone(ctx context.Context, token string) error
	CheckoutWorkingBranch(ctx context.Context) error
	ConfigureIdentity(ctx context.Context, name, email string) error
	Status(ctx context.Context) gitsync.Status
	PushLocalChanges(ctx context.Context) error
	PushNamedBranch(ctx context.Context, req gitsync.PushRequest) gitsync.PushResult
}

// Runner is the subset of agent.Controller the sandbox drives.
type Runner interface {
	Submit(ctx context.Context, req agent.PromptRequest) agent.ExecutionResult
	Reset()
	Stop(ctx context.Context) error
	Cleanup() error
	SessionID() string
}

// PromptCommand asks the sandbox to run a prompt.
type PromptCommand struct {
	Content   string        `json:"content"`
	MessageID string        `json:"messageId,omitempty"`
	Model     string        `json:"model,omitempty"`
	Author    *agent.Author `json:"author,omitempty"`
}

// PushCommand asks the sandbox to push HEAD to a named branch.
type PushCommand struct {
	BranchName string `json:"branchName"`
	Token      string `json:"githubToken,omitempty"` //nolint:gosec // G117: fresh push credential
	RepoOwner  string `json:"repoOwner,omitempty"`
	RepoName   string `json:"repoName,omitempty"`
}

// Status is a snapshot of the session.
type Status struct {
	SessionID      string                 `json:"session_id"`
	SandboxID      string                 `json:"sandbox_id,omitempty"`
	AgentSessionID string                 `json:"agent_session_id,omitempty"`
	Running        bool                   `json:"running"`
	MessageID      string                 `json:"message_id,omitempty"`
	LastResult     *agent.ExecutionResult `json:"last_result,omitempty"`
	Git            gitsync.Status         `json:"git"`
}

// Sandbox owns one session: one workspace, one agent controller.
type Sandbox struct {
	cfg     *config.Config
	git     Git
	runner  Runner
	emitter *event.Emitter

	mu         sync.Mutex
	running    bool
	messageID  string
	lastResult *agent.ExecutionResult
	wg         sync.WaitGroup
}

func New(cfg *config.Config, git Git, runner Runner, emitter *event.Emitter) *Sandbox {
	if emitter == nil {
		emitter = event.NewEmitter(nil)
	}
	return &Sandbox{
		cfg:     cfg,
		git:     git,
		runner:  runner,
		emitter: emitter,
	}
}

// Start prepares the workspace and announces readiness.
func (s *Sandbox) Start(ctx context.Context) error {
	tok := gitsync.ResolveToken("", s.cfg.Git.TokenEnvKey)
	log.Info().Str("repo", s.cfg.Repo.RepoSlug()).Str("branch", s.cfg.Repo.Branch).Str("token_source", tok.Source).
		Msg("sandbox.Start: preparing workspace")

	if err := s.git.Clone(ctx, tok.Token); err != nil {
		return fmt.Errorf("sandbox.Start: %w", err)
	}
	if err := s.git.CheckoutWorkingBranch(ctx); err != nil {
		return fmt.Errorf("sandbox.Start: %w", err)
	}
	if err := s.git.ConfigureIdentity(ctx, s.cfg.Git.UserName, s.cfg.Git.UserEmail); err != nil {
		log.Warn().Err(err).Msg("sandbox.Start: failed to configure default git identity")
	}

	s.emitter.Ready(ctx, s.cfg.SandboxID, s.runner.SessionID())
	log.Info().Str("sandbox_id", s.cfg.SandboxID).Msg("sandbox.Start: ready")
	return nil
}

// StartPrompt runs a prompt in the background. Only one prompt runs at a
// time; a second one is rejected with ErrSessionBusy.
func (s *Sandbox) StartPrompt(ctx context.Context, cmd PromptCommand) error {
	if cmd.Content == "" {
		return ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.running = true
	s.messageID = cmd.MessageID
	s.runner.Reset()
	s.mu.Unlock()

	// The run outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	s.wg.Go(func() {
		s.runPrompt(runCtx, cmd)
	})
	return nil
}

func (s *Sandbox) runPrompt(ctx context.Context, cmd PromptCommand) {
	logger := log.With().Str("message_id", cmd.MessageID).Logger()
	logger.Info().Msg("sandbox.runPrompt: started")

	res := s.runner.Submit(ctx, agent.PromptRequest{
		Prompt:    cmd.Content,
		MessageID: cmd.MessageID,
		Model:     cmd.Model,
		Author:    cmd.Author,
	})

	if res.Success && s.cfg.AutoPush {
		if err := s.git.PushLocalChanges(ctx); err != nil {
			logger.Warn().Err(err).Msg("sandbox.runPrompt: auto-push failed")
		}
	}

	s.mu.Lock()
	s.running = false
	s.lastResult = &res
	s.mu.Unlock()

	logger.Info().Bool("success", res.Success).Int("tool_calls", len(res.ToolCalls)).Msg("sandbox.runPrompt: finished")
}

// Stop asks the running prompt, if any, to end.
func (s *Sandbox) Stop(ctx context.Context) error {
	if err := s.runner.Stop(ctx); err != nil {
		return fmt.Errorf("sandbox.Stop: %w", err)
	}
	return nil
}

// Push pushes HEAD to the requested branch and reports the outcome to the
// control plane.
func (s *Sandbox) Push(ctx context.Context, cmd PushCommand) gitsync.PushResult {
	res := s.git.PushNamedBranch(ctx, gitsync.PushRequest{
		Branch: cmd.BranchName,
		Token:  cmd.Token,
		Owner:  cmd.RepoOwner,
		Name:   cmd.RepoName,
	})
	if res.Success {
		s.emitter.PushComplete(ctx, res.Branch)
	} else {
		s.emitter.PushError(ctx, res.Error, cmd.BranchName)
	}
	return res
}

// Snapshot announces that the workspace is in a consistent state to be
// captured.
func (s *Sandbox) Snapshot(ctx context.Context) {
	s.emitter.SnapshotReady(ctx, s.runner.SessionID())
}

func (s *Sandbox) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		SessionID:  s.cfg.SessionID,
		SandboxID:  s.cfg.SandboxID,
		Running:    s.running,
		MessageID:  s.messageID,
		LastResult: s.lastResult,
	}
	s.mu.Unlock()

	st.AgentSessionID = s.runner.SessionID()
	st.Git = s.git.Status(ctx)
	return st
}

// Running reports whether a prompt is in progress.
func (s *Sandbox) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunHeartbeat emits a heartbeat every interval until ctx ends.
func (s *Sandbox) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.emitter.Heartbeat(ctx, t.UnixMilli())
		}
	}
}

// Wait blocks until the running prompt, if any, has finished.
func (s *Sandbox) Wait() {
	s.wg.Wait()
}

// Close stops any running prompt, waits for it and releases the agent client.
func (s *Sandbox) Close(ctx context.Context) error {
	if s.Running() {
		if err := s.runner.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("sandbox.Close: failed to stop running prompt")
		}
	}
	s.wg.Wait()

	if err := s.runner.Cleanup(); err != nil {
		return fmt.Errorf("sandbox.Close: %w", err)
	}
	return nil
}
