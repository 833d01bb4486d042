package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/microserviceframe/reverse-proxy/internal/pipeline"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

// newForwarder builds the handler that streams bytes to the destination
// chosen by the dispatch pipeline.
func newForwarder(log *logger.Logger) http.Handler {
	forwardLog := log.WithField("component", "forwarder")

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			d, ok := pipeline.DestinationFromContext(req.Context())
			if !ok {
				return
			}
			target, err := url.Parse(d.Address)
			if err != nil {
				forwardLog.WithField("destination_id", d.ID).WithError(err).
					Error("Destination address unparsable")
				return
			}
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			forwardLog.WithError(err).Warn("Upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := pipeline.DestinationFromContext(r.Context()); !ok {
			// The dispatch pipeline aborts before reaching the
			// forwarder; landing here without a destination is a wiring
			// bug, not a routing outcome.
			forwardLog.Error("No destination attached to request")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		proxy.ServeHTTP(w, r)
	})
}
