package affinity

import (
	"sync"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// Built-in affinity mode ids.
const (
	ModeCookie       = "cookie"
	ModeCookieSigned = "cookie_signed"
	ModeHeader       = "header"
	ModeCustomKey    = "custom_key"
)

// Built-in affinity-failure policy ids.
const (
	PolicyFail         = "fail"
	PolicyRedistribute = "redistribute"
)

// Registry maps affinity mode ids to providers and failure-policy ids to
// handlers. Both are resolved once at configuration time.
type Registry struct {
	log *logger.Logger

	mu        sync.RWMutex
	providers map[string]domain.AffinityProvider
	policies  map[string]domain.FailurePolicy
}

// NewRegistry creates a registry with the built-in modes and policies.
// The custom_key mode defaults to keying on the client IP; callers can
// install their own extractor with RegisterProvider.
func NewRegistry(log *logger.Logger) *Registry {
	r := &Registry{
		log:       log.AffinityLogger(),
		providers: make(map[string]domain.AffinityProvider),
		policies:  make(map[string]domain.FailurePolicy),
	}
	r.RegisterProvider(&cookieProvider{})
	r.RegisterProvider(&signedCookieProvider{})
	r.RegisterProvider(&headerProvider{})
	r.RegisterProvider(NewCustomKeyProvider(clientIPKey))
	r.RegisterPolicy(&failPolicy{log: r.log})
	r.RegisterPolicy(&redistributePolicy{log: r.log})
	return r
}

// RegisterProvider adds or replaces a provider under its mode id.
func (r *Registry) RegisterProvider(p domain.AffinityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Mode()] = p
}

// RegisterPolicy adds or replaces a failure policy under its id.
func (r *Registry) RegisterPolicy(p domain.FailurePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Provider returns the provider for a mode id. Unknown ids are a
// configuration error.
func (r *Registry) Provider(mode string) (domain.AffinityProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[mode]
	if !ok {
		return nil, errors.NewInvalidAffinityMode(mode)
	}
	return p, nil
}

// Policy returns the failure policy for an id. Unknown ids are a
// configuration error.
func (r *Registry) Policy(id string) (domain.FailurePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return nil, errors.NewInvalidFailurePolicy(id)
	}
	return p, nil
}
