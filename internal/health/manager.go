package health

import (
	"context"
	"sync"
	"time"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// Manager owns one prober per backend and tracks them across topology
// changes. It implements the runtime model's TopologyListener.
type Manager struct {
	ctx   context.Context
	log   *logger.Logger
	grace time.Duration

	mu         sync.Mutex
	transports map[string]domain.ProbeTransport
	probers    map[string]*Prober
}

// NewManager creates a manager with the HTTP and gRPC probe transports
// registered. ctx bounds the lifetime of every prober it starts.
func NewManager(ctx context.Context, log *logger.Logger) *Manager {
	m := &Manager{
		ctx:        ctx,
		log:        log,
		grace:      defaultStopGracePeriod,
		transports: make(map[string]domain.ProbeTransport),
		probers:    make(map[string]*Prober),
	}
	m.RegisterTransport(NewHTTPTransport())
	m.RegisterTransport(NewGRPCTransport())
	return m
}

// RegisterTransport adds or replaces a probe transport under its name.
func (m *Manager) RegisterTransport(t domain.ProbeTransport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[t.Name()] = t
}

// ValidateOptions checks that enabled health-check settings reference a
// registered transport. Called from the config binder so unknown ids are
// refused at topology-update time.
func (m *Manager) ValidateOptions(opts domain.HealthCheckOptions) error {
	if !opts.Enabled {
		return nil
	}
	if _, ok := m.lookupTransport(opts.Transport); !ok {
		return errors.NewInvalidProbeTransport(opts.Transport)
	}
	return nil
}

func (m *Manager) lookupTransport(name string) (domain.ProbeTransport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		name = TransportHTTP
	}
	t, ok := m.transports[name]
	return t, ok
}

// OnBackendAdded starts a prober when the backend has health checking
// enabled.
func (m *Manager) OnBackendAdded(b *domain.Backend) {
	if !b.Config().HealthCheck.Enabled {
		return
	}
	m.startProber(b)
}

// OnBackendConfigChanged retunes, starts, or drains the prober to match
// the new config.
func (m *Manager) OnBackendConfigChanged(b *domain.Backend) {
	enabled := b.Config().HealthCheck.Enabled

	m.mu.Lock()
	p, running := m.probers[b.ID]
	m.mu.Unlock()

	switch {
	case enabled && running:
		p.Reload()
	case enabled && !running:
		m.startProber(b)
	case !enabled && running:
		m.stopProber(b.ID, p)
	}
}

// OnBackendRemoved drains the backend's prober with a bounded join.
func (m *Manager) OnBackendRemoved(b *domain.Backend) {
	m.mu.Lock()
	p, ok := m.probers[b.ID]
	m.mu.Unlock()
	if ok {
		m.stopProber(b.ID, p)
	}
}

func (m *Manager) startProber(b *domain.Backend) {
	p := newProber(b, m.lookupTransport, m.log)

	m.mu.Lock()
	if _, exists := m.probers[b.ID]; exists {
		m.mu.Unlock()
		return
	}
	m.probers[b.ID] = p
	m.mu.Unlock()

	p.Start(m.ctx)
}

func (m *Manager) stopProber(backendID string, p *Prober) {
	m.mu.Lock()
	delete(m.probers, backendID)
	m.mu.Unlock()
	p.Stop(m.grace)
}

// StopAll drains every prober. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	probers := make([]*Prober, 0, len(m.probers))
	for _, p := range m.probers {
		probers = append(probers, p)
	}
	m.probers = make(map[string]*Prober)
	m.mu.Unlock()

	for _, p := range probers {
		p.Stop(m.grace)
	}
}
