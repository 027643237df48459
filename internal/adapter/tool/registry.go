package tool

import (
	"log/slog"
	"sort"
	"sync"

	"chatstream/internal/domain"
)

type entry struct {
	def  domain.ToolDefinition
	exec domain.ToolExecutor
}

// Registry holds named tool executors and the definitions advertised to the
// model. It implements domain.ToolExecutorRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Register adds a tool. The definition's parameter schema must compile;
// names must be unique.
func (r *Registry) Register(def domain.ToolDefinition, exec domain.ToolExecutor) error {
	const op = "Registry.Register"
	if def.Name == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "tool name is required")
	}
	if exec == nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, "executor is required for "+def.Name)
	}
	if _, err := compileSchema(def.Name, def.Parameters); err != nil {
		return domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return domain.NewDomainError(op, domain.ErrDuplicate, def.Name)
	}
	r.entries[def.Name] = entry{def: def, exec: exec}
	r.logger.Debug("tool registered", "tool", def.Name)
	return nil
}

// Get retrieves a tool executor by name.
func (r *Registry) Get(name string) (domain.ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.exec, nil
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
