package pipeline

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/internal/model"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

type contextKey int

const destinationContextKey contextKey = iota

// WithDestination attaches the chosen destination to the request context
// for the forwarding handler.
func WithDestination(ctx context.Context, d *domain.Destination) context.Context {
	return context.WithValue(ctx, destinationContextKey, d)
}

// DestinationFromContext returns the destination chosen by the dispatch
// pipeline, if any.
func DestinationFromContext(ctx context.Context) (*domain.Destination, bool) {
	d, ok := ctx.Value(destinationContextKey).(*domain.Destination)
	return d, ok
}

// Dispatcher runs the per-request decision pipeline: snapshot the
// candidate set, resolve session affinity, load-balance, and hand the
// chosen destination to the forwarding handler. Requests run the
// pipeline fully in parallel; the only shared state they touch is the
// runtime model's snapshots and the destinations' counters.
type Dispatcher struct {
	registry *model.Registry
	log      *logger.Logger
}

// NewDispatcher creates a dispatcher over the given runtime model.
func NewDispatcher(registry *model.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      log.PipelineLogger(),
	}
}

// Middleware adapts the pipeline for a gorilla/mux route serving one
// backend.
func (dp *Dispatcher) Middleware(backendID string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return dp.Handler(backendID, next)
	}
}

// Handler wraps next with the dispatch pipeline for one backend. By the
// time next runs, the request context carries the chosen destination and
// its in-flight counter is incremented.
func (dp *Dispatcher) Handler(backendID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := dp.registry.GetBackend(backendID)
		if err != nil {
			dp.writeError(w, err)
			return
		}

		// One bound-config load per request: selector, affinity, and
		// empty-pool behavior all come from the same generation.
		bound := b.Bound()
		candidates := dp.registry.Candidates(b, bound.Config)

		if !dp.stillAlive(w, r) {
			return
		}

		// Affinity lookup. Skipped entirely when disabled for the
		// backend; a key on the request then has zero effect.
		establishAffinity := false
		if bound.Config.Affinity.Enabled && bound.Affinity != nil {
			result := bound.Affinity.FindAffinitizedDestinations(r, candidates, b.ID, bound.Config.Affinity)
			switch result.Status {
			case domain.AffinityOK:
				candidates = candidates.Single(result.Destination)
			case domain.AffinityKeyNotSet:
				establishAffinity = true
			default:
				dp.log.WithField("backend_id", b.ID).
					WithField("affinity_status", result.Status.String()).
					Info("Affinity resolution failed")
				if !bound.OnFailure.Handle(w, r, bound.Config.Affinity, result.Status) {
					// The policy owns the response; the pipeline stops here.
					return
				}
				establishAffinity = true
			}
		}

		if !dp.stillAlive(w, r) {
			return
		}

		d, err := bound.Selector.Select(r.Context(), candidates)
		if err != nil {
			dp.log.WithField("backend_id", b.ID).
				WithField("policy", bound.Selector.Name()).
				Warn("No healthy destinations")
			dp.writeError(w, errors.NewNoAvailableDestination(b.ID))
			return
		}

		if establishAffinity {
			if err := bound.Affinity.SetAffinity(w, r, b.ID, d, bound.Config.Affinity); err != nil {
				dp.log.WithField("backend_id", b.ID).WithError(err).
					Warn("Failed to persist affinity")
			}
		}

		dp.log.WithField("backend_id", b.ID).
			WithField("destination_id", d.ID).
			Debug("Dispatched")

		d.IncrementInflight()
		defer d.DecrementInflight()
		next.ServeHTTP(w, r.WithContext(WithDestination(r.Context(), d)))
	})
}

// stillAlive aborts early when the inbound request was canceled before
// dispatch completed.
func (dp *Dispatcher) stillAlive(w http.ResponseWriter, r *http.Request) bool {
	if err := r.Context().Err(); err != nil {
		dp.writeError(w, errors.Wrap(err, errors.ErrCodeRequestCanceled, "dispatch", "request canceled before dispatch"))
		return false
	}
	return true
}

func (dp *Dispatcher) writeError(w http.ResponseWriter, err error) {
	code := errors.Code(err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Proxy-Error", string(code))
	w.WriteHeader(errors.HTTPStatusCode(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
}
