package balancer

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
)

func candidates(ids ...string) domain.CandidateSet {
	destinations := make([]*domain.Destination, len(ids))
	for i, id := range ids {
		destinations[i] = domain.NewDestination(id, "http://localhost:9000", 1)
	}
	return domain.NewCandidateSet(destinations)
}

func TestRegistryKnownAndUnknownPolicies(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	for _, policy := range []string{PolicyRoundRobin, PolicyWeightedRandom, PolicyLeastRequests, PolicyPowerOfTwo} {
		selector, err := r.New(policy)
		require.NoError(t, err)
		assert.Equal(t, policy, selector.Name())
	}

	_, err := r.New("fastest_response")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidPolicy, errors.Code(err))
}

func TestEmptyCandidateSetIsTypedError(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	empty := candidates()

	for _, policy := range r.Policies() {
		selector, err := r.New(policy)
		require.NoError(t, err)

		d, err := selector.Select(context.Background(), empty)
		require.Error(t, err, "policy %s", policy)
		assert.Nil(t, d)
		assert.Equal(t, errors.ErrCodeNoAvailableDestination, errors.Code(err))
	}
}

func TestSelectionIsAlwaysAMember(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	set := candidates("a", "b", "c", "d", "e")

	for _, policy := range r.Policies() {
		selector, err := r.New(policy)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			d, err := selector.Select(context.Background(), set)
			require.NoError(t, err)
			assert.True(t, set.Contains(d.ID), "policy %s returned non-member %s", policy, d.ID)
		}
	}
}

func TestSingleCandidateIsDeterministic(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	set := candidates("only")

	for _, policy := range r.Policies() {
		selector, err := r.New(policy)
		require.NoError(t, err)

		for i := 0; i < 10; i++ {
			d, err := selector.Select(context.Background(), set)
			require.NoError(t, err)
			assert.Equal(t, "only", d.ID)
		}
	}
}

func TestRoundRobinVisitsEachOncePerCycle(t *testing.T) {
	t.Parallel()

	set := candidates("a", "b", "c", "d")

	// Any starting cursor position: pre-advance a random number of times,
	// then every window of k consecutive selections visits each member
	// exactly once.
	for trial := 0; trial < 5; trial++ {
		s := &roundRobin{}
		offset := rand.Intn(17)
		for i := 0; i < offset; i++ {
			_, err := s.Select(context.Background(), set)
			require.NoError(t, err)
		}

		seen := make(map[string]int)
		for i := 0; i < set.Len(); i++ {
			d, err := s.Select(context.Background(), set)
			require.NoError(t, err)
			seen[d.ID]++
		}
		for _, id := range set.IDs() {
			assert.Equal(t, 1, seen[id], "offset %d, member %s", offset, id)
		}
	}
}

func TestRoundRobinCursorsAreIndependentPerInstance(t *testing.T) {
	t.Parallel()

	set := candidates("a", "b")
	s1, s2 := &roundRobin{}, &roundRobin{}

	d, err := s1.Select(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)

	d, err = s2.Select(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID, "a fresh binding starts its own cycle")
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	t.Parallel()

	heavy := domain.NewDestination("heavy", "http://localhost:9001", 9)
	light := domain.NewDestination("light", "http://localhost:9002", 1)
	set := domain.NewCandidateSet([]*domain.Destination{heavy, light})

	s := &weightedRandom{}
	counts := make(map[string]int)
	for i := 0; i < 2000; i++ {
		d, err := s.Select(context.Background(), set)
		require.NoError(t, err)
		counts[d.ID]++
	}

	assert.Greater(t, counts["heavy"], counts["light"]*4,
		"9:1 weights should skew selection heavily: %v", counts)
}

func TestLeastRequestsPicksMinInflight(t *testing.T) {
	t.Parallel()

	busy := domain.NewDestination("busy", "http://localhost:9001", 1)
	idle := domain.NewDestination("idle", "http://localhost:9002", 1)
	busy.IncrementInflight()
	busy.IncrementInflight()
	idle.IncrementInflight()

	set := domain.NewCandidateSet([]*domain.Destination{busy, idle})
	s := &leastRequests{}

	d, err := s.Select(context.Background(), set)
	require.NoError(t, err)
	assert.Equal(t, "idle", d.ID)
}

func TestPowerOfTwoPrefersLessLoaded(t *testing.T) {
	t.Parallel()

	busy := domain.NewDestination("busy", "http://localhost:9001", 1)
	idle := domain.NewDestination("idle", "http://localhost:9002", 1)
	for i := 0; i < 10; i++ {
		busy.IncrementInflight()
	}

	set := domain.NewCandidateSet([]*domain.Destination{busy, idle})
	s := &powerOfTwo{}

	// With two candidates both samples cover the pair, so the less
	// loaded one must win every time.
	for i := 0; i < 50; i++ {
		d, err := s.Select(context.Background(), set)
		require.NoError(t, err)
		assert.Equal(t, "idle", d.ID)
	}
}
