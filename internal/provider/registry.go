package provider

import (
	"fmt"
	"sync"

	"github.com/agentd/agentd/internal/config"
)

// Registry resolves a provider id to its Adapter, constructing adapters
// lazily from the loaded configuration (§4.3).
type Registry struct {
	mu       sync.Mutex
	cfg      *config.Config
	adapters map[string]Adapter
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg, adapters: make(map[string]Adapter)}
}

// Register installs an already-constructed adapter under providerID,
// bypassing config-driven construction. Used to wire test doubles.
func (r *Registry) Register(providerID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[providerID] = a
}

// Get returns the adapter for providerID, constructing it on first use.
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[providerID]; ok {
		return a, nil
	}

	pc, ok := r.cfg.Provider[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerID)
	}

	var a Adapter
	switch providerID {
	case "anthropic":
		a = NewAnthropicAdapter(pc.APIKey, pc.BaseURL)
	case "openai":
		a = NewResponseAdapter(pc.APIKey, pc.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
	r.adapters[providerID] = a
	return a, nil
}

// Default resolves the configured default provider.
func (r *Registry) Default() (Adapter, string, error) {
	id := r.cfg.DefaultProvider
	if id == "" {
		id = "anthropic"
	}
	a, err := r.Get(id)
	return a, id, err
}
