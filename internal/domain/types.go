package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthState is the probed liveness of a destination.
type HealthState int

const (
	// HealthUnknown is the initial state before any probe has completed.
	HealthUnknown HealthState = iota
	// HealthHealthy indicates the destination passed enough consecutive probes.
	HealthHealthy
	// HealthUnhealthy indicates the destination failed enough consecutive probes.
	HealthUnhealthy
)

// String returns the string representation of HealthState.
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Destination is one physical upstream endpoint owned by exactly one
// backend. Health fields have a single writer (the backend's prober);
// request-path readers take the state through Health().
type Destination struct {
	ID      string
	Address string
	Weight  int

	inflight int64

	mu              sync.Mutex
	state           HealthState
	consecutiveOK   int
	consecutiveFail int
	lastProbe       time.Time
}

// NewDestination creates a destination in the Unknown health state.
func NewDestination(id, address string, weight int) *Destination {
	if weight <= 0 {
		weight = 1
	}
	return &Destination{
		ID:      id,
		Address: address,
		Weight:  weight,
	}
}

// Health returns the current health state.
func (d *Destination) Health() HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RecordProbe folds one probe outcome into the hysteresis counters and
// returns the resulting state and whether it changed. healthyAfter and
// unhealthyAfter are the consecutive-result thresholds; values below one
// are treated as one. Probe results are linearized by the destination
// lock, so concurrent cycles cannot set conflicting states.
func (d *Destination) RecordProbe(success bool, healthyAfter, unhealthyAfter int) (HealthState, bool) {
	if healthyAfter < 1 {
		healthyAfter = 1
	}
	if unhealthyAfter < 1 {
		unhealthyAfter = 1
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastProbe = time.Now()
	if success {
		d.consecutiveOK++
		d.consecutiveFail = 0
		if d.state != HealthHealthy && d.consecutiveOK >= healthyAfter {
			d.state = HealthHealthy
			return d.state, true
		}
	} else {
		d.consecutiveFail++
		d.consecutiveOK = 0
		if d.state != HealthUnhealthy && d.consecutiveFail >= unhealthyAfter {
			d.state = HealthUnhealthy
			return d.state, true
		}
	}
	return d.state, false
}

// LastProbe returns the time of the most recent probe.
func (d *Destination) LastProbe() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastProbe
}

// IncrementInflight atomically increments the in-flight request counter.
func (d *Destination) IncrementInflight() {
	atomic.AddInt64(&d.inflight, 1)
}

// DecrementInflight atomically decrements the in-flight request counter.
func (d *Destination) DecrementInflight() {
	atomic.AddInt64(&d.inflight, -1)
}

// Inflight returns the current number of in-flight requests.
func (d *Destination) Inflight() int64 {
	return atomic.LoadInt64(&d.inflight)
}

// CandidateSet is an immutable, per-request snapshot of destinations
// eligible for selection. Narrowing always produces a new set; the
// backing slice is never mutated after creation.
type CandidateSet struct {
	destinations []*Destination
}

// NewCandidateSet snapshots the given destinations into a candidate set.
func NewCandidateSet(destinations []*Destination) CandidateSet {
	snapshot := make([]*Destination, len(destinations))
	copy(snapshot, destinations)
	return CandidateSet{destinations: snapshot}
}

// Len returns the number of candidates.
func (c CandidateSet) Len() int {
	return len(c.destinations)
}

// At returns the candidate at index i.
func (c CandidateSet) At(i int) *Destination {
	return c.destinations[i]
}

// Find returns the candidate with the given id, if present.
func (c CandidateSet) Find(id string) (*Destination, bool) {
	for _, d := range c.destinations {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

// Contains reports whether a candidate with the given id is present.
func (c CandidateSet) Contains(id string) bool {
	_, ok := c.Find(id)
	return ok
}

// Narrow returns a new candidate set holding the candidates that satisfy
// keep, in their original order.
func (c CandidateSet) Narrow(keep func(*Destination) bool) CandidateSet {
	narrowed := make([]*Destination, 0, len(c.destinations))
	for _, d := range c.destinations {
		if keep(d) {
			narrowed = append(narrowed, d)
		}
	}
	return CandidateSet{destinations: narrowed}
}

// Single returns a new candidate set holding only d.
func (c CandidateSet) Single(d *Destination) CandidateSet {
	return CandidateSet{destinations: []*Destination{d}}
}

// IDs returns the candidate ids in order. Used by logging and tests.
func (c CandidateSet) IDs() []string {
	ids := make([]string, len(c.destinations))
	for i, d := range c.destinations {
		ids[i] = d.ID
	}
	return ids
}
