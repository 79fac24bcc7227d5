package agent_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webkaz/superset/internal/agent"
)

func stubFactory(agent.ClientOptions) (agent.StreamClient, error) {
	return &fakeClient{}, nil
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()

		var got agent.ClientOptions
		reg := agent.NewRegistry()
		reg.Register("opencode", func(opts agent.ClientOptions) (agent.StreamClient, error) {
			got = opts
			return &fakeClient{}, nil
		})

		client, err := reg.Create("opencode", agent.ClientOptions{URL: "http://127.0.0.1:4096", Provider: "anthropic"})

		require.NoError(t, err)
		require.NotNil(t, client)
		assert.Equal(t, "http://127.0.0.1:4096", got.URL)
		assert.Equal(t, "anthropic", got.Provider)
	})

	t.Run("unknown agent type returns ErrUnknownAgent", func(t *testing.T) {
		t.Parallel()

		reg := agent.NewRegistry()
		reg.Register("opencode", stubFactory)
		reg.Register("claude", stubFactory)

		client, err := reg.Create("nonexistent", agent.ClientOptions{})

		require.Error(t, err)
		assert.Nil(t, client)
		assert.ErrorIs(t, err, agent.ErrUnknownAgent)
		assert.Contains(t, err.Error(), "available: claude, opencode")
	})

	t.Run("factory error propagated", func(t *testing.T) {
		t.Parallel()

		reg := agent.NewRegistry()
		reg.Register("broken", func(agent.ClientOptions) (agent.StreamClient, error) {
			return nil, errors.New("factory boom")
		})

		client, err := reg.Create("broken", agent.ClientOptions{})

		require.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "factory boom")
	})

	t.Run("connector defers creation", func(t *testing.T) {
		t.Parallel()

		reg := agent.NewRegistry()
		connect := reg.Connector("opencode", agent.ClientOptions{})
		reg.Register("opencode", stubFactory)

		client, err := connect(t.Context())

		require.NoError(t, err)
		assert.NotNil(t, client)
	})

	t.Run("Available returns sorted names", func(t *testing.T) {
		t.Parallel()

		reg := agent.NewRegistry()
		reg.Register("opencode", stubFactory)
		reg.Register("claude", stubFactory)
		reg.Register("codex", stubFactory)

		assert.Equal(t, []string{"claude", "codex", "opencode"}, reg.Available())
	})
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	reg := agent.NewRegistry()
	reg.Register("opencode", stubFactory)

	var wg sync.WaitGroup

	for range 10 {
		wg.Go(func() {
			reg.Register("agent-"+uuid.New().String()[:8], stubFactory)
		})
	}

	for range 10 {
		wg.Go(func() {
			client, err := reg.Create("opencode", agent.ClientOptions{})
			assert.NoError(t, err)
			assert.NotNil(t, client)
		})
	}

	for range 5 {
		wg.Go(func() {
			_ = reg.Available()
		})
	}

	wg.Wait()

	assert.GreaterOrEqual(t, len(reg.Available()), 11)
}
