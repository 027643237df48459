package llm

import (
	"fmt"
	"sort"
	"sync"

	"chatstream/internal/domain"
)

// Registry holds named agent transports and the name of the default one.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]domain.Agent
	defaultName string
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]domain.Agent),
	}
}

// Register adds an agent. The first agent registered becomes the default
// until SetDefault is called.
func (r *Registry) Register(agent domain.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := agent.Name()
	if _, exists := r.agents[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("agent %q", name))
	}
	r.agents[name] = agent
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault selects the agent returned by Default.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		return domain.NewDomainError("Registry.SetDefault", domain.ErrAgentNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrAgentNotFound, name)
	}
	return a, nil
}

// Default returns the default agent.
func (r *Registry) Default() (domain.Agent, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, domain.NewDomainError("Registry.Default", domain.ErrAgentNotFound, "no agents registered")
	}
	return r.Get(name)
}

// List returns all registered agent names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
