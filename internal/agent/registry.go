package agent

import (
	"fmt"
	"strings"
	"sync"
)

type ProcessorFactory func() (Processor, error)

// Registry maps processor names (AGENT_PROCESSOR) to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProcessorFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProcessorFactory)}
}

func (r *Registry) Register(name string, f ProcessorFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Processor, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent processor: %s", name)
	}
	return f()
}
