package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent types to their handlers.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds an agent type to a handler.
func (r *Registry) Register(agentType string, handler Agent) error {
	if agentType == "" {
		return fmt.Errorf("agent type must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("agent handler for '%s' must not be nil", agentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentType]; exists {
		return fmt.Errorf("agent type '%s' already registered", agentType)
	}
	r.agents[agentType] = handler

	return nil
}

// Get returns the handler for an agent type.
func (r *Registry) Get(agentType string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.agents[agentType]
	if !exists {
		return nil, fmt.Errorf("agent type '%s' not registered", agentType)
	}

	return handler, nil
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.agents))
	for agentType := range r.agents {
		types = append(types, agentType)
	}
	sort.Strings(types)

	return types
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
