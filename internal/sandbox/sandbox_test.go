package sandbox_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webkaz/superset/internal/agent"
	"github.com/webkaz/superset/internal/config"
	"github.com/webkaz/superset/internal/event"
	"github.com/webkaz/superset/internal/gitsync"
	"github.com/webkaz/superset/internal/sandbox"
)

// --- mocks ---

type mockGit struct {
	mu         sync.Mutex
	calls      []string
	cloneToken string
	cloneErr   error
	checkout   error
	pushes     int
	named      []gitsync.PushRequest
	pushResult gitsync.PushResult
	status     gitsync.Status
}

func (m *mockGit) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockGit) Clone(_ context.Context, token string) error {
	m.record("clone")
	m.cloneToken = token
	return m.cloneErr
}

func (m *mockGit) CheckoutWorkingBranch(context.Context) error {
	m.record("checkout")
	return m.checkout
}

func (m *mockGit) ConfigureIdentity(_ context.Context, name, email string) error {
	m.record("identity:" + name + "<" + email + ">")
	return nil
}

func (m *mockGit) Status(context.Context) gitsync.Status {
	return m.status
}

func (m *mockGit) PushLocalChanges(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	return nil
}

func (m *mockGit) PushNamedBranch(_ context.Context, req gitsync.PushRequest) gitsync.PushResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.named = append(m.named, req)
	return m.pushResult
}

func (m *mockGit) pushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

type mockRunner struct {
	result  agent.ExecutionResult
	release chan struct{} // Submit blocks until closed when set

	mu       sync.Mutex
	requests []agent.PromptRequest
	stops    int
	resets   int
	cleanups int
}

func (m *mockRunner) Submit(_ context.Context, req agent.PromptRequest) agent.ExecutionResult {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.release != nil {
		<-m.release
	}
	return m.result
}

func (m *mockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
}

func (m *mockRunner) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *mockRunner) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return nil
}

func (m *mockRunner) SessionID() string { return "ses_1" }

// gatedClient holds Stream until gate is closed, then replays events.
type gatedClient struct {
	gate   chan struct{}
	events []agent.Event

	mu      sync.Mutex
	streams int
	stops   int
}

func (c *gatedClient) Stream(context.Context, agent.StreamRequest) (agent.Stream, error) {
	c.mu.Lock()
	c.streams++
	c.mu.Unlock()
	<-c.gate
	return &sliceStream{events: c.events}, nil
}

func (c *gatedClient) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *gatedClient) SessionID() string { return "ses_gated" }
func (c *gatedClient) Close() error      { return nil }

type sliceStream struct {
	events []agent.Event
	pos    int
}

func (s *sliceStream) Recv() (agent.Event, error) {
	if s.pos >= len(s.events) {
		return agent.Event{}, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *sliceStream) Close() error { return nil }

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Deliver(_ context.Context, evt event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func testConfig() *config.Config {
	return &config.Config{
		SessionID: "sess-1",
		SandboxID: "sbx-1",
		Repo:      config.RepoConfig{Owner: "acme", Name: "widgets", Branch: "feat/x", BaseBranch: "main"},
		Git: config.GitConfig{
			UserName:    "Sandbox Bot",
			UserEmail:   "bot@sandbox.local",
			TokenEnvKey: "SANDBOX_TEST_TOKEN",
		},
		AutoPush: true,
	}
}

func TestSandbox_Start(t *testing.T) {
	t.Setenv("SANDBOX_TEST_TOKEN", "env-tok")

	git := &mockGit{}
	rec := &recorder{}
	sb := sandbox.New(testConfig(), git, &mockRunner{}, event.NewEmitter(rec))

	require.NoError(t, sb.Start(context.Background()))

	assert.Equal(t, []string{"clone", "checkout", "identity:Sandbox Bot<bot@sandbox.local>"}, git.calls)
	assert.Equal(t, "env-tok", git.cloneToken)
	evts := rec.all()
	require.Len(t, evts, 1)
	assert.Equal(t, event.TypeReady, evts[0].Type)
	assert.Equal(t, map[string]any{"sandboxId": "sbx-1", "opencodeSessionId": "ses_1"}, evts[0].Data)
}

func TestSandbox_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		git  *mockGit
		want []string
	}{
		{"clone fails", &mockGit{cloneErr: errors.New("clone")}, []string{"clone"}},
		{"checkout fails", &mockGit{checkout: errors.New("checkout")}, []string{"clone", "checkout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			sb := sandbox.New(testConfig(), tt.git, &mockRunner{}, event.NewEmitter(rec))

			require.Error(t, sb.Start(context.Background()))
			assert.Equal(t, tt.want, tt.git.calls)
			assert.Empty(t, rec.all())
		})
	}
}

func TestSandbox_StartPrompt(t *testing.T) {
	t.Parallel()

	t.Run("runs then auto-pushes on success", func(t *testing.T) {
		t.Parallel()

		git := &mockGit{}
		runner := &mockRunner{result: agent.ExecutionResult{Success: true, Output: "done"}}
		sb := sandbox.New(testConfig(), git, runner, nil)

		author := &agent.Author{Name: "Ada", Email: "ada@example.com"}
		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{
			Content: "fix it", MessageID: "m1", Model: "anthropic/claude-opus-4", Author: author,
		}))
		sb.Wait()

		require.Len(t, runner.requests, 1)
		assert.Equal(t, agent.PromptRequest{
			Prompt: "fix it", MessageID: "m1", Model: "anthropic/claude-opus-4", Author: author,
		}, runner.requests[0])
		assert.Equal(t, 1, git.pushCount())

		st := sb.Status(t.Context())
		assert.False(t, st.Running)
		require.NotNil(t, st.LastResult)
		assert.Equal(t, "done", st.LastResult.Output)
	})

	t.Run("failed run does not push", func(t *testing.T) {
		t.Parallel()

		git := &mockGit{}
		sb := sandbox.New(testConfig(), git, &mockRunner{result: agent.ExecutionResult{Error: "boom"}}, nil)

		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "x"}))
		sb.Wait()

		assert.Equal(t, 0, git.pushCount())
	})

	t.Run("auto-push disabled", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.AutoPush = false
		git := &mockGit{}
		sb := sandbox.New(cfg, git, &mockRunner{result: agent.ExecutionResult{Success: true}}, nil)

		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "x"}))
		sb.Wait()

		assert.Equal(t, 0, git.pushCount())
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		t.Parallel()

		sb := sandbox.New(testConfig(), &mockGit{}, &mockRunner{}, nil)

		assert.ErrorIs(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{}), sandbox.ErrEmptyPrompt)
	})

	t.Run("second prompt while running is busy", func(t *testing.T) {
		t.Parallel()

		runner := &mockRunner{release: make(chan struct{}), result: agent.ExecutionResult{Success: true}}
		sb := sandbox.New(testConfig(), &mockGit{}, runner, nil)

		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "a", MessageID: "m1"}))
		assert.True(t, sb.Running())
		assert.Equal(t, "m1", sb.Status(t.Context()).MessageID)

		err := sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "b"})
		require.ErrorIs(t, err, sandbox.ErrSessionBusy)

		close(runner.release)
		sb.Wait()

		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "c"}))
		sb.Wait()
		assert.Len(t, runner.requests, 2)
	})

	t.Run("run survives request cancellation", func(t *testing.T) {
		t.Parallel()

		runner := &mockRunner{release: make(chan struct{}), result: agent.ExecutionResult{Success: true}}
		sb := sandbox.New(testConfig(), &mockGit{}, runner, nil)

		ctx, cancel := context.WithCancel(t.Context())
		require.NoError(t, sb.StartPrompt(ctx, sandbox.PromptCommand{Content: "a"}))
		cancel()
		close(runner.release)
		sb.Wait()

		assert.True(t, sb.Status(t.Context()).LastResult.Success)
	})
}

func TestSandbox_StopAfterPromptAccepted(t *testing.T) {
	t.Parallel()

	for range 50 {
		client := &gatedClient{gate: make(chan struct{}), events: []agent.Event{
			agent.TokenEvent("partial"),
			agent.ToolCallEvent("bash", map[string]any{"cmd": "ls"}, "running", ""),
		}}
		rec := &recorder{}
		emitter := event.NewEmitter(rec)
		git := &mockGit{}
		ctrl := agent.NewController(func(context.Context) (agent.StreamClient, error) {
			return client, nil
		}, git, emitter, "")
		sb := sandbox.New(testConfig(), git, ctrl, emitter)

		require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "go", MessageID: "m1"}))
		require.True(t, sb.Running())
		require.NoError(t, sb.Stop(t.Context()))
		close(client.gate)
		sb.Wait()

		st := sb.Status(t.Context())
		require.NotNil(t, st.LastResult)
		assert.Equal(t, agent.ExecutionResult{Error: "Stopped by user"}, *st.LastResult)
		assert.Equal(t, 0, git.pushCount())
		for _, evt := range rec.all() {
			assert.NotContains(t, []event.Type{event.TypeToken, event.TypeToolCall, event.TypeToolResult}, evt.Type)
		}
	}
}

func TestSandbox_StopBeforePromptDoesNotCancelNextRun(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{result: agent.ExecutionResult{Success: true}}
	sb := sandbox.New(testConfig(), &mockGit{}, runner, nil)

	require.NoError(t, sb.Stop(t.Context()))
	require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "x"}))
	sb.Wait()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.resets)
	assert.Equal(t, 1, runner.stops)
}

func TestSandbox_Push(t *testing.T) {
	t.Parallel()

	t.Run("success emits push_complete", func(t *testing.T) {
		t.Parallel()

		git := &mockGit{pushResult: gitsync.PushResult{Success: true, Branch: "feature"}}
		rec := &recorder{}
		sb := sandbox.New(testConfig(), git, &mockRunner{}, event.NewEmitter(rec))

		res := sb.Push(t.Context(), sandbox.PushCommand{BranchName: "feature", Token: "t", RepoOwner: "o", RepoName: "n"})

		assert.True(t, res.Success)
		assert.Equal(t, []gitsync.PushRequest{{Branch: "feature", Token: "t", Owner: "o", Name: "n"}}, git.named)
		evts := rec.all()
		require.Len(t, evts, 1)
		assert.Equal(t, event.TypePushComplete, evts[0].Type)
		assert.Equal(t, map[string]any{"branchName": "feature"}, evts[0].Data)
	})

	t.Run("failure emits push_error", func(t *testing.T) {
		t.Parallel()

		git := &mockGit{pushResult: gitsync.PushResult{Error: gitsync.MsgAuthRequired}}
		rec := &recorder{}
		sb := sandbox.New(testConfig(), git, &mockRunner{}, event.NewEmitter(rec))

		res := sb.Push(t.Context(), sandbox.PushCommand{BranchName: "feature"})

		assert.False(t, res.Success)
		evts := rec.all()
		require.Len(t, evts, 1)
		assert.Equal(t, event.TypePushError, evts[0].Type)
		assert.Equal(t, map[string]any{"error": gitsync.MsgAuthRequired, "branchName": "feature"}, evts[0].Data)
	})
}

func TestSandbox_SnapshotStatusHeartbeat(t *testing.T) {
	t.Parallel()

	git := &mockGit{status: gitsync.Status{Branch: "feat/x", Commit: "abc", ChangedFiles: []string{}}}
	rec := &recorder{}
	sb := sandbox.New(testConfig(), git, &mockRunner{}, event.NewEmitter(rec))

	sb.Snapshot(t.Context())

	st := sb.Status(t.Context())
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, "ses_1", st.AgentSessionID)
	assert.Equal(t, "feat/x", st.Git.Branch)
	assert.Nil(t, st.LastResult)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		sb.RunHeartbeat(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(rec.all()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	evts := rec.all()
	assert.Equal(t, event.TypeSnapshotReady, evts[0].Type)
	assert.Equal(t, map[string]any{"opencodeSessionId": "ses_1"}, evts[0].Data)
	assert.Equal(t, event.TypeHeartbeat, evts[1].Type)
	assert.IsType(t, int64(0), evts[1].Data["timestamp"])
}

func TestSandbox_Close(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{release: make(chan struct{}), result: agent.ExecutionResult{Error: "Stopped by user"}}
	sb := sandbox.New(testConfig(), &mockGit{}, runner, nil)

	require.NoError(t, sb.StartPrompt(t.Context(), sandbox.PromptCommand{Content: "a"}))
	go close(runner.release)

	require.NoError(t, sb.Close(t.Context()))
	assert.False(t, sb.Running())
	assert.Equal(t, 1, runner.cleanups)
}
