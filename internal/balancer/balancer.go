package balancer

import (
	"sync"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
)

// Built-in load-balancing policy ids.
const (
	PolicyRoundRobin     = "round_robin"
	PolicyWeightedRandom = "weighted_random"
	PolicyLeastRequests  = "least_requests"
	PolicyPowerOfTwo     = "power_of_two"
)

// Factory creates a fresh selector instance. Stateful selectors (the
// round-robin cursor) get one instance per backend binding, so cursors
// never bleed across backends.
type Factory func() domain.Selector

// Registry maps policy ids to selector factories. Policies are resolved
// once at setup or topology-update time, never per request.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in policies registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(PolicyRoundRobin, func() domain.Selector { return &roundRobin{} })
	r.Register(PolicyWeightedRandom, func() domain.Selector { return &weightedRandom{} })
	r.Register(PolicyLeastRequests, func() domain.Selector { return &leastRequests{} })
	r.Register(PolicyPowerOfTwo, func() domain.Selector { return &powerOfTwo{} })
	return r
}

// Register adds a policy factory under the given id.
func (r *Registry) Register(policy string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[policy] = f
}

// New creates a selector for the given policy id. Unknown ids are a
// configuration error.
func (r *Registry) New(policy string) (domain.Selector, error) {
	r.mu.RLock()
	f, ok := r.factories[policy]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NewInvalidPolicy(policy)
	}
	return f(), nil
}

// Known reports whether a policy id is registered.
func (r *Registry) Known(policy string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[policy]
	return ok
}

// Policies returns the registered policy ids.
func (r *Registry) Policies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policies := make([]string, 0, len(r.factories))
	for policy := range r.factories {
		policies = append(policies, policy)
	}
	return policies
}
