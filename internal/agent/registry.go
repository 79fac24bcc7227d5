package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownAgent is returned when a requested agent type is not registered.
var ErrUnknownAgent = errors.New("agent: unknown agent type") //nolint:gochecknoglobals // sentinel error

// ClientFactory creates a StreamClient for a given agent type.
type ClientFactory func(opts ClientOptions) (StreamClient, error)

// Connector lazily produces the client a Controller streams through.
type Connector func(ctx context.Context) (StreamClient, error)

// Registry manages stream client factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ClientFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ClientFactory),
	}
}

// Register adds a client factory for an agent type.
func (r *Registry) Register(agentType string, factory ClientFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = factory
}

// Create instantiates a client for the given agent type.
func (r *Registry) Create(agentType string, opts ClientOptions) (StreamClient, error) {
	r.mu.RLock()
	factory, ok := r.factories[agentType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w (available: %s)",
			agentType, ErrUnknownAgent, strings.Join(r.Available(), ", "))
	}

	client, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("agent.Registry.Create(%q): %w", agentType, err)
	}

	return client, nil
}

// Connector binds an agent type and options into a Connector.
func (r *Registry) Connector(agentType string, opts ClientOptions) Connector {
	return func(context.Context) (StreamClient, error) {
		return r.Create(agentType, opts)
	}
}

// Available returns registered agent type names in sorted order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.factories {
			if !yield(name) {
				return
			}
		}
	})
	sort.Strings(names)

	return names
}
