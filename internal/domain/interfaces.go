package domain

import (
	"context"
	"net/http"
)

// Selector picks one destination from a candidate set. Implementations
// must return a member of the input set, never nil with a nil error, and
// must be safe for concurrent use. An empty candidate set yields a
// no-available-destination error.
type Selector interface {
	Select(ctx context.Context, candidates CandidateSet) (*Destination, error)
	Name() string
}

// AffinityStatus is the outcome of affinity resolution for one request.
type AffinityStatus int

const (
	// AffinityOK means the key resolved to a candidate destination.
	AffinityOK AffinityStatus = iota
	// AffinityKeyNotSet means the request carries no affinity key. The
	// request proceeds unaffinitized; this is not an error.
	AffinityKeyNotSet
	// AffinityKeyExtractionFailed means a key was present but malformed,
	// duplicated, or failed signature verification.
	AffinityKeyExtractionFailed
	// AffinityDestinationNotFound means the key referenced a destination
	// that is no longer in the candidate set.
	AffinityDestinationNotFound
)

// String returns the string representation of AffinityStatus.
func (s AffinityStatus) String() string {
	switch s {
	case AffinityOK:
		return "ok"
	case AffinityKeyNotSet:
		return "key_not_set"
	case AffinityKeyExtractionFailed:
		return "extraction_failed"
	case AffinityDestinationNotFound:
		return "destination_not_found"
	default:
		return "unknown"
	}
}

// AffinityResult is the outcome of FindAffinitizedDestinations.
// Destination is set only when Status is AffinityOK.
type AffinityResult struct {
	Status      AffinityStatus
	Destination *Destination
}

// AffinityProvider resolves the sticky destination for a request per one
// affinity mode, and persists newly established affinity back onto the
// response.
type AffinityProvider interface {
	Mode() string

	// FindAffinitizedDestinations extracts the affinity key from the
	// request and maps it into candidates.
	FindAffinitizedDestinations(r *http.Request, candidates CandidateSet, backendID string, opts AffinityOptions) AffinityResult

	// SetAffinity records the chosen destination on the response so the
	// client's next request carries the key.
	SetAffinity(w http.ResponseWriter, r *http.Request, backendID string, d *Destination, opts AffinityOptions) error
}

// FailurePolicy decides the outcome when affinity resolution fails.
// Returning false means the policy owns the response and the pipeline
// must stop; returning true means the pipeline proceeds to load
// balancing over the full candidate set.
type FailurePolicy interface {
	Name() string
	Handle(w http.ResponseWriter, r *http.Request, opts AffinityOptions, status AffinityStatus) bool
}

// ProbeTransport performs one health-check exchange against a
// destination. A nil error is a successful probe; timeouts surface as
// errors and count as failures.
type ProbeTransport interface {
	Name() string
	Probe(ctx context.Context, d *Destination, opts HealthCheckOptions) error
}
