package pipeline

import (
	"github.com/microserviceframe/reverse-proxy/internal/affinity"
	"github.com/microserviceframe/reverse-proxy/internal/balancer"
	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
)

// HealthValidator checks health-check settings against the registered
// probe transports.
type HealthValidator interface {
	ValidateOptions(opts domain.HealthCheckOptions) error
}

// Binder resolves backend configs against the policy registries. All
// string ids are checked and bound here, at setup or topology-update
// time; a request never pays for or discovers a bad id.
type Binder struct {
	Balancers *balancer.Registry
	Affinity  *affinity.Registry
	Health    HealthValidator
}

// Bind validates cfg and resolves its ids into strategy objects. The
// returned bundle is installed atomically on the backend, so requests
// observe config and strategies from the same topology generation.
// Defaults are normalized onto a copy; the caller's cfg is never
// mutated, whether the bind succeeds or not.
func (b *Binder) Bind(cfg *domain.BackendConfig) (*domain.BoundConfig, error) {
	selector, err := b.Balancers.New(cfg.Policy)
	if err != nil {
		return nil, err
	}

	norm := *cfg

	switch norm.EmptyPool {
	case "":
		norm.EmptyPool = domain.EmptyPoolFail
	case domain.EmptyPoolFail, domain.EmptyPoolFallback:
	default:
		return nil, errors.New(errors.ErrCodeConfigLoad, "runtime_model",
			"unknown empty-pool policy "+string(norm.EmptyPool))
	}

	bound := &domain.BoundConfig{
		Config:   &norm,
		Selector: selector,
	}

	if norm.Affinity.Enabled {
		provider, err := b.Affinity.Provider(norm.Affinity.Mode)
		if err != nil {
			return nil, err
		}
		if norm.Affinity.Mode == affinity.ModeCookieSigned && len(norm.Affinity.SigningKey) == 0 {
			return nil, errors.New(errors.ErrCodeConfigLoad, "runtime_model",
				"cookie_signed affinity requires a signing key")
		}
		if norm.Affinity.FailurePolicy == "" {
			norm.Affinity.FailurePolicy = affinity.PolicyRedistribute
		}
		onFailure, err := b.Affinity.Policy(norm.Affinity.FailurePolicy)
		if err != nil {
			return nil, err
		}
		bound.Affinity = provider
		bound.OnFailure = onFailure
	}

	if b.Health != nil {
		if err := b.Health.ValidateOptions(norm.HealthCheck); err != nil {
			return nil, err
		}
	}
	return bound, nil
}
