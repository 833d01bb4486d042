package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// EmptyPoolPolicy decides what happens when health filtering leaves no
// candidates: fail the request fast, or fall back to the full
// destination set and let the upstream call take its chances.
type EmptyPoolPolicy string

const (
	EmptyPoolFail     EmptyPoolPolicy = "fail"
	EmptyPoolFallback EmptyPoolPolicy = "fallback_to_all"
)

// AffinityOptions is the per-backend session-affinity configuration.
type AffinityOptions struct {
	Enabled       bool
	Mode          string
	FailurePolicy string

	// CookieName and HeaderName carry the affinity key depending on mode.
	CookieName string
	HeaderName string

	// SigningKey protects the affinity key in the cookie_signed mode.
	SigningKey []byte
	// CookieTTL bounds how long an established affinity survives.
	CookieTTL time.Duration
}

// HealthCheckOptions is the per-backend active health-check configuration.
type HealthCheckOptions struct {
	Enabled            bool
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	Path               string
	Transport          string

	// MaxConcurrentProbes bounds probe parallelism within one backend.
	MaxConcurrentProbes int
	// ProbesPerSecond paces probe dispatch within one backend. Zero
	// disables pacing.
	ProbesPerSecond float64
}

// BackendConfig is the replaceable part of a backend. It is swapped
// atomically on topology update; in-flight requests observe either the
// old or the new config entirely.
type BackendConfig struct {
	Policy      string
	EmptyPool   EmptyPoolPolicy
	Affinity    AffinityOptions
	HealthCheck HealthCheckOptions
}

// BoundConfig is a BackendConfig resolved against the policy registries:
// the string ids are bound to strategy objects exactly once, at setup or
// topology-update time, never per request. The whole bundle is replaced
// atomically together with the config it was resolved from.
type BoundConfig struct {
	Config *BackendConfig

	Selector  Selector
	Affinity  AffinityProvider
	OnFailure FailurePolicy
}

// Binder resolves a BackendConfig into a BoundConfig, rejecting unknown
// policy, mode, and failure-policy ids.
type Binder interface {
	Bind(cfg *BackendConfig) (*BoundConfig, error)
}

// Backend is a logical upstream service grouping destinations. The
// destination set has a single writer (the serialized topology-update
// path); request-path readers take snapshots.
type Backend struct {
	ID string

	bound atomic.Pointer[BoundConfig]

	mu           sync.RWMutex
	destinations []*Destination
	byID         map[string]*Destination
}

// NewBackend creates a backend with the given bound configuration and no
// destinations.
func NewBackend(id string, bound *BoundConfig) *Backend {
	b := &Backend{
		ID:   id,
		byID: make(map[string]*Destination),
	}
	b.bound.Store(bound)
	return b
}

// Bound returns the current bound configuration snapshot.
func (b *Backend) Bound() *BoundConfig {
	return b.bound.Load()
}

// Config returns the current configuration snapshot.
func (b *Backend) Config() *BackendConfig {
	return b.bound.Load().Config
}

// SetBound atomically replaces the bound configuration.
func (b *Backend) SetBound(bound *BoundConfig) {
	b.bound.Store(bound)
}

// AddDestination adds a destination to the backend. Adding an id that
// already exists replaces the previous destination.
func (b *Backend) AddDestination(d *Destination) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.byID[d.ID]; ok {
		for i, existing := range b.destinations {
			if existing == old {
				b.destinations[i] = d
				break
			}
		}
	} else {
		b.destinations = append(b.destinations, d)
	}
	b.byID[d.ID] = d
}

// RemoveDestination removes a destination by id and reports whether it
// was present. Candidate sets snapshotted before the removal keep their
// reference; only future snapshots stop seeing it.
func (b *Backend) RemoveDestination(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	for i, existing := range b.destinations {
		if existing == d {
			b.destinations = append(b.destinations[:i], b.destinations[i+1:]...)
			break
		}
	}
	return true
}

// Destination returns the destination with the given id, if present.
func (b *Backend) Destination(id string) (*Destination, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.byID[id]
	return d, ok
}

// Snapshot returns an immutable candidate set over all destinations.
func (b *Backend) Snapshot() CandidateSet {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return NewCandidateSet(b.destinations)
}

// Len returns the number of destinations.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.destinations)
}
