package affinity

import (
	"encoding/json"
	"net/http"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/internal/errors"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// failPolicy aborts the request when affinity cannot be honored. It owns
// the response: the pipeline must not run any further stage.
type failPolicy struct {
	log *logger.Logger
}

func (p *failPolicy) Name() string { return PolicyFail }

func (p *failPolicy) Handle(w http.ResponseWriter, r *http.Request, opts domain.AffinityOptions, status domain.AffinityStatus) bool {
	p.log.WithField("affinity_status", status.String()).
		WithField("failure_policy", PolicyFail).
		Warn("Affinity resolution failed, aborting request")

	code := errors.ErrCodeAffinityDestinationGone
	httpStatus := http.StatusServiceUnavailable
	if status == domain.AffinityKeyExtractionFailed {
		code = errors.ErrCodeAffinityExtraction
		httpStatus = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(code),
	})
	return false
}

// redistributePolicy clears the failed affinity and lets the pipeline
// load-balance over the full candidate set. The pipeline re-establishes
// affinity to whatever destination gets chosen.
type redistributePolicy struct {
	log *logger.Logger
}

func (p *redistributePolicy) Name() string { return PolicyRedistribute }

func (p *redistributePolicy) Handle(w http.ResponseWriter, r *http.Request, opts domain.AffinityOptions, status domain.AffinityStatus) bool {
	p.log.WithField("affinity_status", status.String()).
		WithField("failure_policy", PolicyRedistribute).
		Info("Affinity resolution failed, redistributing")
	return true
}
