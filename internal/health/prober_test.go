package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// scriptedTransport returns canned results per destination id, in order.
// Once a script runs out it keeps returning the last result.
type scriptedTransport struct {
	mu      sync.Mutex
	scripts map[string][]error
}

func (t *scriptedTransport) Name() string { return "scripted" }

func (t *scriptedTransport) Probe(ctx context.Context, d *domain.Destination, opts domain.HealthCheckOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	script := t.scripts[d.ID]
	if len(script) == 0 {
		return nil
	}
	result := script[0]
	if len(script) > 1 {
		t.scripts[d.ID] = script[1:]
	}
	return result
}

func probeFailure() error {
	return errors.New(errors.ErrCodeProbeFailed, "health_prober", "connection refused")
}

func testBackend(opts domain.HealthCheckOptions, destinations ...string) *domain.Backend {
	b := domain.NewBackend("api", &domain.BoundConfig{
		Config: &domain.BackendConfig{
			Policy:      "round_robin",
			HealthCheck: opts,
		},
	})
	for _, id := range destinations {
		b.AddDestination(domain.NewDestination(id, "http://localhost:9000", 1))
	}
	return b
}

func testProber(b *domain.Backend, transport domain.ProbeTransport) *Prober {
	lookup := func(string) (domain.ProbeTransport, bool) { return transport, true }
	return newProber(b, lookup, logger.Discard())
}

func TestCycleAppliesHysteresis(t *testing.T) {
	t.Parallel()

	opts := domain.HealthCheckOptions{
		Enabled:             true,
		Timeout:             time.Second,
		HealthyThreshold:    1,
		UnhealthyThreshold:  3,
		MaxConcurrentProbes: 2,
	}
	b := testBackend(opts, "d1", "d2")
	transport := &scriptedTransport{scripts: map[string][]error{
		// Two failures, then a success: must never reach Unhealthy.
		"d1": {probeFailure(), probeFailure(), nil},
		// Three straight failures: becomes Unhealthy.
		"d2": {probeFailure(), probeFailure(), probeFailure()},
	}}
	p := testProber(b, transport)

	for cycle := 0; cycle < 3; cycle++ {
		p.runCycle(context.Background(), p.options())
	}

	d1, _ := b.Destination("d1")
	d2, _ := b.Destination("d2")
	assert.Equal(t, domain.HealthHealthy, d1.Health(),
		"a success after two failures resets the failure run")
	assert.Equal(t, domain.HealthUnhealthy, d2.Health())
}

func TestCycleSurvivesPanickingProbe(t *testing.T) {
	t.Parallel()

	opts := domain.HealthCheckOptions{
		Enabled:            true,
		Timeout:            time.Second,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}
	b := testBackend(opts, "boom", "ok")

	lookup := func(string) (domain.ProbeTransport, bool) {
		return probeFunc(func(ctx context.Context, d *domain.Destination, o domain.HealthCheckOptions) error {
			if d.ID == "boom" {
				panic("transport bug")
			}
			return nil
		}), true
	}
	p := newProber(b, lookup, logger.Discard())

	require.NotPanics(t, func() {
		p.runCycle(context.Background(), p.options())
	})

	ok, _ := b.Destination("ok")
	assert.Equal(t, domain.HealthHealthy, ok.Health(),
		"other destinations still get probed in the same cycle")
}

// probeFunc adapts a function to domain.ProbeTransport.
type probeFunc func(ctx context.Context, d *domain.Destination, opts domain.HealthCheckOptions) error

func (f probeFunc) Name() string { return "func" }
func (f probeFunc) Probe(ctx context.Context, d *domain.Destination, opts domain.HealthCheckOptions) error {
	return f(ctx, d, opts)
}

func TestStopIsBoundedWithHungProbe(t *testing.T) {
	t.Parallel()

	opts := domain.HealthCheckOptions{
		Enabled:            true,
		Interval:           10 * time.Millisecond,
		Timeout:            time.Minute,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}
	b := testBackend(opts, "hung")

	started := make(chan struct{})
	var once sync.Once
	hung := probeFunc(func(ctx context.Context, d *domain.Destination, o domain.HealthCheckOptions) error {
		once.Do(func() { close(started) })
		// Ignores cancellation on purpose.
		time.Sleep(5 * time.Second)
		return nil
	})
	p := newProber(b, func(string) (domain.ProbeTransport, bool) { return hung, true }, logger.Discard())
	p.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop(50 * time.Millisecond)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return within the grace period")
	}
}

func TestStopBeforeStartReturnsImmediately(t *testing.T) {
	t.Parallel()

	b := testBackend(domain.HealthCheckOptions{Enabled: true})
	p := testProber(b, &scriptedTransport{})

	start := time.Now()
	p.Stop(10 * time.Second)
	assert.Less(t, time.Since(start), time.Second,
		"a never-started prober must not wait out the grace period")
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	opts := domain.HealthCheckOptions{
		Enabled:            true,
		Timeout:            50 * time.Millisecond,
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}
	b := domain.NewBackend("api", &domain.BoundConfig{
		Config: &domain.BackendConfig{Policy: "round_robin", HealthCheck: opts},
	})
	b.AddDestination(domain.NewDestination("slow", slow.URL, 1))

	p := testProber(b, NewHTTPTransport())
	p.runCycle(context.Background(), p.options())

	d, _ := b.Destination("slow")
	assert.Equal(t, domain.HealthUnhealthy, d.Health())
}

func TestHTTPTransportClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"200 is success", http.StatusOK, false},
		{"204 is success", http.StatusNoContent, false},
		{"404 is failure", http.StatusNotFound, true},
		{"500 is failure", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			transport := NewHTTPTransport()
			err := transport.Probe(context.Background(),
				domain.NewDestination("d", srv.URL, 1),
				domain.HealthCheckOptions{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(ctx, logger.Discard())
	m.grace = 100 * time.Millisecond

	t.Run("validate refuses unknown transports", func(t *testing.T) {
		err := m.ValidateOptions(domain.HealthCheckOptions{Enabled: true, Transport: "icmp"})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidProbeTransport, errors.Code(err))

		assert.NoError(t, m.ValidateOptions(domain.HealthCheckOptions{Enabled: true, Transport: TransportHTTP}))
		assert.NoError(t, m.ValidateOptions(domain.HealthCheckOptions{Enabled: true, Transport: TransportGRPC}))
		assert.NoError(t, m.ValidateOptions(domain.HealthCheckOptions{Enabled: false, Transport: "icmp"}),
			"disabled health checks skip transport validation")
	})

	t.Run("no prober for disabled health checks", func(t *testing.T) {
		b := testBackend(domain.HealthCheckOptions{Enabled: false})
		m.OnBackendAdded(b)
		m.mu.Lock()
		_, running := m.probers[b.ID]
		m.mu.Unlock()
		assert.False(t, running)
	})

	t.Run("prober drained on backend removal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		b := domain.NewBackend("probed", &domain.BoundConfig{
			Config: &domain.BackendConfig{
				Policy: "round_robin",
				HealthCheck: domain.HealthCheckOptions{
					Enabled:            true,
					Interval:           10 * time.Millisecond,
					Timeout:            time.Second,
					HealthyThreshold:   1,
					UnhealthyThreshold: 1,
					Transport:          TransportHTTP,
				},
			},
		})
		b.AddDestination(domain.NewDestination("d1", srv.URL, 1))

		m.OnBackendAdded(b)
		require.Eventually(t, func() bool {
			d, _ := b.Destination("d1")
			return d.Health() == domain.HealthHealthy
		}, 2*time.Second, 10*time.Millisecond)

		m.OnBackendRemoved(b)
		m.mu.Lock()
		_, running := m.probers[b.ID]
		m.mu.Unlock()
		assert.False(t, running)
	})
}
