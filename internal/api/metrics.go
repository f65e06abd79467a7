package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaportal_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "route", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "soaportal_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	capabilitiesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaportal_capabilities_issued_total",
		Help: "Statement access tokens issued or extended.",
	}, []string{"op"})

	capabilityResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "soaportal_capability_resolutions_total",
		Help: "Outcomes of anonymous statement view requests.",
	}, []string{"outcome"})

	statementsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soaportal_statements_total",
		Help: "Number of statements of account.",
	})

	activeCapabilitiesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "soaportal_active_capabilities_total",
		Help: "Number of statements with unexpired access.",
	})
)

// Resolution outcomes.
const (
	outcomeGranted     = "granted"
	outcomeInvalidLink = "invalid_link"
	outcomeNotFound    = "not_found"
	outcomeError       = "error"
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, capabilitiesIssued,
		capabilityResolutions, statementsTotal, activeCapabilitiesTotal)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics. Routes are labelled by their chi
// pattern so ids do not explode label cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		dur := time.Since(start).Seconds()
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rr.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(dur)
	})
}

// refreshGauges updates the store-derived gauges.
func (s *Server) refreshGauges(ctx context.Context) {
	if n, err := s.store.CountStatements(ctx); err == nil {
		statementsTotal.Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("counting statements")
	}
	if n, err := s.store.CountActiveCapabilities(ctx, s.caps.Now()); err == nil {
		activeCapabilitiesTotal.Set(float64(n))
	} else {
		log.Warn().Err(err).Msg("counting active capabilities")
	}
}
