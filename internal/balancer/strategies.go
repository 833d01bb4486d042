package balancer

import (
	"context"
	"math/rand"
	"sync/atomic"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
)

func errEmpty() error {
	return errors.New(errors.ErrCodeNoAvailableDestination, "load_balancer",
		"no available destinations in candidate set")
}

// roundRobin selects candidates in order using a monotonically wrapping
// atomic cursor. One instance per backend binding.
type roundRobin struct {
	cursor uint64
}

func (s *roundRobin) Select(ctx context.Context, candidates domain.CandidateSet) (*domain.Destination, error) {
	n := candidates.Len()
	if n == 0 {
		return nil, errEmpty()
	}
	if n == 1 {
		return candidates.At(0), nil
	}

	next := atomic.AddUint64(&s.cursor, 1)
	return candidates.At(int((next - 1) % uint64(n))), nil
}

func (s *roundRobin) Name() string { return PolicyRoundRobin }

// weightedRandom selects candidates with probability proportional to
// their weight. All-zero weights degrade to uniform random.
type weightedRandom struct{}

func (s *weightedRandom) Select(ctx context.Context, candidates domain.CandidateSet) (*domain.Destination, error) {
	n := candidates.Len()
	if n == 0 {
		return nil, errEmpty()
	}
	if n == 1 {
		// Deterministic single-candidate path, no randomness consulted.
		return candidates.At(0), nil
	}

	total := 0
	for i := 0; i < n; i++ {
		total += candidates.At(i).Weight
	}
	if total <= 0 {
		return candidates.At(rand.Intn(n)), nil
	}

	pick := rand.Intn(total)
	for i := 0; i < n; i++ {
		pick -= candidates.At(i).Weight
		if pick < 0 {
			return candidates.At(i), nil
		}
	}
	return candidates.At(n - 1), nil
}

func (s *weightedRandom) Name() string { return PolicyWeightedRandom }

// leastRequests selects the candidate with the fewest in-flight
// requests, as counted by the dispatch pipeline. Ties go to the earliest
// candidate in the set.
type leastRequests struct{}

func (s *leastRequests) Select(ctx context.Context, candidates domain.CandidateSet) (*domain.Destination, error) {
	n := candidates.Len()
	if n == 0 {
		return nil, errEmpty()
	}
	if n == 1 {
		return candidates.At(0), nil
	}

	selected := candidates.At(0)
	min := selected.Inflight()
	for i := 1; i < n; i++ {
		d := candidates.At(i)
		if inflight := d.Inflight(); inflight < min {
			min = inflight
			selected = d
		}
	}
	return selected, nil
}

func (s *leastRequests) Name() string { return PolicyLeastRequests }

// powerOfTwo samples two distinct random candidates and takes the one
// with fewer in-flight requests. O(1) regardless of candidate count.
type powerOfTwo struct{}

func (s *powerOfTwo) Select(ctx context.Context, candidates domain.CandidateSet) (*domain.Destination, error) {
	n := candidates.Len()
	if n == 0 {
		return nil, errEmpty()
	}
	if n == 1 {
		return candidates.At(0), nil
	}

	i := rand.Intn(n)
	j := rand.Intn(n - 1)
	if j >= i {
		j++
	}

	first, second := candidates.At(i), candidates.At(j)
	if second.Inflight() < first.Inflight() {
		return second, nil
	}
	return first, nil
}

func (s *powerOfTwo) Name() string { return PolicyPowerOfTwo }
