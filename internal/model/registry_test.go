package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// stubBinder accepts the round_robin policy and refuses everything else.
type stubBinder struct{}

func (stubBinder) Bind(cfg *domain.BackendConfig) (*domain.BoundConfig, error) {
	if cfg.Policy != "round_robin" {
		return nil, errors.NewInvalidPolicy(cfg.Policy)
	}
	norm := *cfg
	if norm.EmptyPool == "" {
		norm.EmptyPool = domain.EmptyPoolFail
	}
	return &domain.BoundConfig{Config: &norm}, nil
}

type recordingListener struct {
	added, changed, removed []string
}

func (l *recordingListener) OnBackendAdded(b *domain.Backend)         { l.added = append(l.added, b.ID) }
func (l *recordingListener) OnBackendConfigChanged(b *domain.Backend) { l.changed = append(l.changed, b.ID) }
func (l *recordingListener) OnBackendRemoved(b *domain.Backend)       { l.removed = append(l.removed, b.ID) }

func newTestRegistry() *Registry {
	return NewRegistry(stubBinder{}, logger.Discard())
}

func TestBackendLifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	listener := &recordingListener{}
	r.SetListener(listener)

	b, err := r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	require.NoError(t, err)
	require.NotNil(t, b)

	got, err := r.GetBackend("api")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	assert.Error(t, err, "duplicate backend id is refused")

	require.NoError(t, r.RemoveBackend("api"))
	_, err = r.GetBackend("api")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendNotFound, errors.Code(err))

	assert.Equal(t, []string{"api"}, listener.added)
	assert.Equal(t, []string{"api"}, listener.removed)
}

func TestInvalidPolicyRefusedAtomically(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()

	_, err := r.AddBackend("api", &domain.BackendConfig{Policy: "fastest"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPolicy, errors.Code(err))
	assert.Zero(t, r.Count(), "refused add must not register the backend")

	b, err := r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	require.NoError(t, err)

	err = r.UpdateBackendConfig("api", &domain.BackendConfig{Policy: "fastest"})
	require.Error(t, err)
	assert.Equal(t, "round_robin", b.Config().Policy,
		"refused update keeps the previous config active")
}

func TestDestinationOperations(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	_, err := r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	require.NoError(t, err)

	require.NoError(t, r.AddDestination("api", domain.NewDestination("d1", "http://localhost:9001", 1)))
	require.NoError(t, r.AddDestination("api", domain.NewDestination("d2", "http://localhost:9002", 1)))

	err = r.RemoveDestination("api", "missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDestinationNotFound, errors.Code(err))

	err = r.AddDestination("ghost", domain.NewDestination("d1", "http://localhost:9001", 1))
	assert.Equal(t, errors.ErrCodeBackendNotFound, errors.Code(err))

	require.NoError(t, r.RemoveDestination("api", "d1"))
	b, _ := r.GetBackend("api")
	assert.Equal(t, []string{"d2"}, b.Snapshot().IDs())
}

func TestSnapshotSurvivesConcurrentRemoval(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	b, err := r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	require.NoError(t, err)
	require.NoError(t, r.AddDestination("api", domain.NewDestination("x", "http://localhost:9001", 1)))
	require.NoError(t, r.AddDestination("api", domain.NewDestination("y", "http://localhost:9002", 1)))

	// An in-flight request snapshots its candidates, then the topology
	// update removes x. The held snapshot may still dispatch to x; every
	// later snapshot must not contain it.
	inflight := r.Candidates(b, b.Config())
	require.NoError(t, r.RemoveDestination("api", "x"))

	assert.True(t, inflight.Contains("x"))
	assert.False(t, r.Candidates(b, b.Config()).Contains("x"))
}

func TestCandidatesFilterByHealth(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	b, err := r.AddBackend("api", &domain.BackendConfig{Policy: "round_robin"})
	require.NoError(t, err)

	healthy := domain.NewDestination("healthy", "http://localhost:9001", 1)
	unknown := domain.NewDestination("unknown", "http://localhost:9002", 1)
	sick := domain.NewDestination("sick", "http://localhost:9003", 1)
	healthy.RecordProbe(true, 1, 1)
	sick.RecordProbe(false, 1, 1)

	for _, d := range []*domain.Destination{healthy, unknown, sick} {
		require.NoError(t, r.AddDestination("api", d))
	}

	candidates := r.Candidates(b, b.Config())
	assert.ElementsMatch(t, []string{"healthy", "unknown"}, candidates.IDs(),
		"unknown destinations are eligible, unhealthy ones are not")
}

func TestEmptyPoolPolicyFork(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, policy domain.EmptyPoolPolicy) (*Registry, *domain.Backend) {
		r := newTestRegistry()
		b, err := r.AddBackend("api", &domain.BackendConfig{
			Policy:    "round_robin",
			EmptyPool: policy,
		})
		require.NoError(t, err)

		sick := domain.NewDestination("sick", "http://localhost:9001", 1)
		sick.RecordProbe(false, 1, 1)
		require.NoError(t, r.AddDestination("api", sick))
		return r, b
	}

	t.Run("fail policy yields an empty set", func(t *testing.T) {
		r, b := setup(t, domain.EmptyPoolFail)
		assert.Zero(t, r.Candidates(b, b.Config()).Len())
	})

	t.Run("fallback policy yields the full set", func(t *testing.T) {
		r, b := setup(t, domain.EmptyPoolFallback)
		assert.Equal(t, []string{"sick"}, r.Candidates(b, b.Config()).IDs())
	})
}

func TestCandidatesUseCallerConfigGeneration(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	b, err := r.AddBackend("api", &domain.BackendConfig{
		Policy:    "round_robin",
		EmptyPool: domain.EmptyPoolFallback,
	})
	require.NoError(t, err)

	sick := domain.NewDestination("sick", "http://localhost:9001", 1)
	sick.RecordProbe(false, 1, 1)
	require.NoError(t, r.AddDestination("api", sick))

	// A request loads its config generation, then a topology update swaps
	// the empty-pool policy underneath it. The candidate set must follow
	// the generation the request holds, never the newer one.
	held := b.Config()
	require.NoError(t, r.UpdateBackendConfig("api", &domain.BackendConfig{
		Policy:    "round_robin",
		EmptyPool: domain.EmptyPoolFail,
	}))

	assert.Equal(t, []string{"sick"}, r.Candidates(b, held).IDs(),
		"held fallback generation still falls back to the full set")
	assert.Zero(t, r.Candidates(b, b.Config()).Len(),
		"the new generation fails fast")
}

func TestConfigUpdateIsAtomicSwap(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	listener := &recordingListener{}
	r.SetListener(listener)

	b, err := r.AddBackend("api", &domain.BackendConfig{
		Policy:    "round_robin",
		EmptyPool: domain.EmptyPoolFail,
	})
	require.NoError(t, err)

	before := b.Bound()
	require.NoError(t, r.UpdateBackendConfig("api", &domain.BackendConfig{
		Policy:    "round_robin",
		EmptyPool: domain.EmptyPoolFallback,
	}))

	// The old bundle is untouched; readers holding it keep a consistent
	// view while new readers get the replacement.
	assert.Equal(t, domain.EmptyPoolFail, before.Config.EmptyPool)
	assert.Equal(t, domain.EmptyPoolFallback, b.Config().EmptyPool)
	assert.Equal(t, []string{"api"}, listener.changed)
}
