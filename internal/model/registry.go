package model

import (
	"sync"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// TopologyListener is notified after topology mutations commit. The
// health-prober manager implements it to start, retune, and drain
// probers as backends come and go.
type TopologyListener interface {
	OnBackendAdded(b *domain.Backend)
	OnBackendConfigChanged(b *domain.Backend)
	OnBackendRemoved(b *domain.Backend)
}

// Registry is the runtime model: the arena of backends addressed by
// stable ids. Topology mutations are expected to be serialized by the
// caller per the topology-update contract; the registry still guards its
// map so request-path readers never observe a torn state.
type Registry struct {
	binder   domain.Binder
	listener TopologyListener
	log      *logger.Logger

	mu       sync.RWMutex
	backends map[string]*domain.Backend
}

// NewRegistry creates an empty registry. The binder validates and
// resolves policy ids on every add/update; invalid configs are refused
// before they touch the topology.
func NewRegistry(binder domain.Binder, log *logger.Logger) *Registry {
	return &Registry{
		binder:   binder,
		log:      log.TopologyLogger(),
		backends: make(map[string]*domain.Backend),
	}
}

// SetListener installs the topology listener. Must be called before the
// first mutation.
func (r *Registry) SetListener(l TopologyListener) {
	r.listener = l
}

// GetBackend returns the backend with the given id.
func (r *Registry) GetBackend(id string) (*domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[id]
	if !ok {
		return nil, errors.NewBackendNotFound(id)
	}
	return b, nil
}

// ListBackends returns a snapshot of all backends.
func (r *Registry) ListBackends() []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*domain.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	return backends
}

// AddBackend creates a backend with the given config. The config is
// bound first; an unknown policy or mode id refuses the whole update.
func (r *Registry) AddBackend(id string, cfg *domain.BackendConfig) (*domain.Backend, error) {
	bound, err := r.binder.Bind(cfg)
	if err != nil {
		return nil, err
	}

	b := domain.NewBackend(id, bound)

	r.mu.Lock()
	if _, exists := r.backends[id]; exists {
		r.mu.Unlock()
		return nil, errors.New(errors.ErrCodeConfigLoad, "runtime_model", "backend "+id+" already exists")
	}
	r.backends[id] = b
	r.mu.Unlock()

	r.log.WithField("backend_id", id).
		WithField("policy", cfg.Policy).
		Info("Backend added")

	if r.listener != nil {
		r.listener.OnBackendAdded(b)
	}
	return b, nil
}

// UpdateBackendConfig atomically replaces a backend's config. On bind
// failure the previous config stays active.
func (r *Registry) UpdateBackendConfig(id string, cfg *domain.BackendConfig) error {
	b, err := r.GetBackend(id)
	if err != nil {
		return err
	}

	bound, err := r.binder.Bind(cfg)
	if err != nil {
		r.log.WithField("backend_id", id).WithError(err).
			Warn("Backend config update refused, previous config stays active")
		return err
	}

	b.SetBound(bound)
	r.log.WithField("backend_id", id).
		WithField("policy", cfg.Policy).
		Info("Backend config updated")

	if r.listener != nil {
		r.listener.OnBackendConfigChanged(b)
	}
	return nil
}

// RemoveBackend removes a backend and drains its prober.
func (r *Registry) RemoveBackend(id string) error {
	r.mu.Lock()
	b, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return errors.NewBackendNotFound(id)
	}
	delete(r.backends, id)
	r.mu.Unlock()

	r.log.WithField("backend_id", id).Info("Backend removed")

	if r.listener != nil {
		r.listener.OnBackendRemoved(b)
	}
	return nil
}

// AddDestination adds a destination to a backend.
func (r *Registry) AddDestination(backendID string, d *domain.Destination) error {
	b, err := r.GetBackend(backendID)
	if err != nil {
		return err
	}

	b.AddDestination(d)
	r.log.WithField("backend_id", backendID).
		WithField("destination_id", d.ID).
		WithField("address", d.Address).
		Info("Destination added")
	return nil
}

// RemoveDestination removes a destination from a backend. Requests
// holding an earlier snapshot may still dispatch to it; nothing after
// this call sees it.
func (r *Registry) RemoveDestination(backendID, destinationID string) error {
	b, err := r.GetBackend(backendID)
	if err != nil {
		return err
	}

	if !b.RemoveDestination(destinationID) {
		return errors.New(errors.ErrCodeDestinationNotFound, "runtime_model",
			"destination "+destinationID+" not found in backend "+backendID)
	}
	r.log.WithField("backend_id", backendID).
		WithField("destination_id", destinationID).
		Info("Destination removed")
	return nil
}

// Candidates returns the health-filtered candidate snapshot for a
// backend: Healthy and Unknown destinations, excluding Unhealthy. When
// the filter leaves nothing, cfg's EmptyPoolPolicy decides between
// failing fast (empty set) and falling back to the full set. cfg is the
// config generation the caller already holds, so one request never
// mixes the empty-pool behavior of a concurrently installed generation
// with the selector and affinity of its own.
func (r *Registry) Candidates(b *domain.Backend, cfg *domain.BackendConfig) domain.CandidateSet {
	full := b.Snapshot()
	filtered := full.Narrow(func(d *domain.Destination) bool {
		return d.Health() != domain.HealthUnhealthy
	})

	if filtered.Len() == 0 && full.Len() > 0 &&
		cfg.EmptyPool == domain.EmptyPoolFallback {
		r.log.WithField("backend_id", b.ID).
			Warn("All destinations unhealthy, falling back to full set")
		return full
	}
	return filtered
}

// Count returns the number of backends.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
