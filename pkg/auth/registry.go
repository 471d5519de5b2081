package auth

import (
	"sync"

	"github.com/sidkik/zynk/pkg/config"
)

// Registry holds the client policies. It's safe for concurrent use, and the
// policies can be swapped while sessions are being authenticated.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]config.ClientPolicy
}

// NewRegistry creates a registry containing policies.
func NewRegistry(policies []config.ClientPolicy) *Registry {
	r := &Registry{}
	r.Replace(policies)
	return r
}

// Replace atomically swaps the registry's policies. Sessions that were
// already authenticated keep the policy they were admitted with.
func (r *Registry) Replace(policies []config.ClientPolicy) {
	clients := make(map[string]config.ClientPolicy, len(policies))
	for _, policy := range policies {
		clients[policy.Name] = policy
	}

	r.mu.Lock()
	r.clients = clients
	r.mu.Unlock()
}

// Lookup returns the policy for the client called name.
func (r *Registry) Lookup(name string) (config.ClientPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.clients[name]
	return policy, ok
}

// Len returns the number of clients in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
