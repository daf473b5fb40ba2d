/*
 * Copyright 2018, Automatic Inc.
 * All rights reserved.
 */

package pulsebridge

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/Masterminds/semver"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health statuses reported by /health
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

const (
	shipAPIPrefix       = "/ship/springbootsampleapp/v1"
	maxShipmentBodySize = 1 << 20
	healthCheckTimeout  = 2 * time.Second
)

// HealthCheck is one named component check. A nil error means the component is up.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// PulseCircuitCheck is down while the Pulse circuit breaker is open
func PulseCircuitCheck(client *PulseClient) HealthCheck {
	return HealthCheck{
		Name: "pulse",
		Check: func(_ context.Context) error {
			if client.BreakerOpen() {
				return ErrCircuitOpen
			}
			return nil
		},
	}
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentHealth `json:"components,omitempty"`
}

type infoResponse struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ValidVersion bool   `json:"validVersion"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes health, info, metrics and the shipment API over HTTP
type Server struct {
	settings  *Settings
	shipments IShipmentSubmitter
	checks    []HealthCheck
	router    chi.Router
}

// NewServer creates the HTTP surface. shipments may be nil, which disables shipment submission.
func NewServer(settings *Settings, shipments IShipmentSubmitter, checks ...HealthCheck) *Server {
	settings.initDefaults()
	s := &Server{settings: settings, shipments: shipments, checks: checks}

	r := chi.NewRouter()
	r.Use(s.traceMiddleware)
	r.Get("/health", s.health)
	r.Get("/info", s.info)
	if registry := settings.Metrics.Registry(); registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Route(shipAPIPrefix, func(r chi.Router) {
		r.Get("/", s.greeting)
		r.Post("/shipments", s.submitShipment)
	})
	s.router = r
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on settings.ListenAddr until ctx is cancelled, then shuts down within
// settings.ShutdownTimeout
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{Addr: s.settings.ListenAddr, Handler: s.router}
	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.settings.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	return nil
}

// traceMiddleware continues the B3 trace of the caller, or starts a new one
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Method + " " + r.URL.Path
		ctx := withGetLogger(r.Context(), s.settings.GetLogger)
		if parent := spanContextFromB3(r.Header); parent != nil {
			ctx, _ = continueFrom(ctx, parent, name)
		} else {
			ctx, _ = StartSpan(ctx, name)
		}
		defer CompleteSpan(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: StatusUp}
	if len(s.checks) > 0 {
		resp.Components = make(map[string]componentHealth, len(s.checks))
	}
	for _, check := range s.checks {
		if err := check.Check(ctx); err != nil {
			resp.Status = StatusDown
			resp.Components[check.Name] = componentHealth{Status: StatusDown, Error: err.Error()}
			continue
		}
		resp.Components[check.Name] = componentHealth{Status: StatusUp}
	}

	status := http.StatusOK
	if resp.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	_, err := semver.NewVersion(s.settings.AppVersion)
	writeJSON(w, http.StatusOK, infoResponse{
		Name:         s.settings.AppName,
		Version:      s.settings.AppVersion,
		ValidVersion: err == nil,
	})
}

func (s *Server) greeting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Greetings from " + s.settings.AppName + "!\n"))
}

func (s *Server) submitShipment(w http.ResponseWriter, r *http.Request) {
	if s.shipments == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "shipment submission is disabled"})
		return
	}
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxShipmentBodySize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
		return
	}

	submission, err := s.shipments.Submit(r.Context(), body)
	if err != nil {
		getLogger(r.Context(), s.settings).Error(err, "Failed to submit shipment", nil)
		writeJSON(w, submitErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, submission)
}

func submitErrorStatus(err error) int {
	var validationErr *ValidationError
	var httpErr *HTTPError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrBulkheadFull):
		return http.StatusServiceUnavailable
	case errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError:
		return httpErr.StatusCode
	default:
		return http.StatusBadGateway
	}
}
