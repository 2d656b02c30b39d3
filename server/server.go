// Package server exposes the proxy over HTTP: generation with failover, provider
// reports and health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/yanolja/failover"
	"github.com/yanolja/failover/breaker"
	"github.com/yanolja/failover/proxy"
	"github.com/yanolja/failover/state"
)

type (
	BadRequestError     struct{ error }
	NotFoundError       struct{ error }
	RequestTimeoutError struct{ error }
	UnavailableError    struct{ error }
)

// Key the latest performance report is published under.
var LatestReportKey = state.Key("report", "latest")

type Server struct {
	proxy  *proxy.Proxy
	store  state.Store
	logger *zap.SugaredLogger

	// Bearer token required on /v1 routes. No authentication if empty.
	apiKey string

	metricsPath    string
	metricsHandler http.Handler
}

type Option func(*Server)

func WithApiKey(apiKey string) Option {
	return func(s *Server) {
		s.apiKey = apiKey
	}
}

// WithMetrics serves the handler on the path without authentication.
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

func New(p *proxy.Proxy, store state.Store, logger *zap.SugaredLogger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		proxy:  p,
		store:  store,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	if s.metricsHandler != nil {
		router.Handle(s.metricsPath, s.metricsHandler).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(s.handleAuthentication)
	api.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	api.HandleFunc("/providers/{name}/generate", s.handleGenerate).Methods(http.MethodPost)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/check", s.handleHealthCheck).Methods(http.MethodPost)
	api.HandleFunc("/reports/latest", s.handleLatestReport).Methods(http.MethodGet)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})
	return corsMiddleware.Handler(router)
}

func (s *Server) handleAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || !strings.EqualFold(scheme, "bearer") || token != s.apiKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type providerView struct {
	Name           string           `json:"name"`
	CircuitBreaker breaker.Snapshot `json:"circuit_breaker"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := s.proxy.Providers()
	views := make([]providerView, 0, len(names))
	for _, name := range names {
		b, ok := s.proxy.Breaker(name)
		if !ok {
			// Unregistered meanwhile.
			continue
		}
		views = append(views, providerView{Name: name, CircuitBreaker: b.Snapshot()})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var request failover.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.handleError(w, BadRequestError{fmt.Errorf("invalid JSON payload: %w", err)})
		return
	}
	if request.Prompt == "" {
		s.handleError(w, BadRequestError{errors.New("prompt is required")})
		return
	}

	response, err := s.proxy.Request(r.Context(), name, &request)
	if err != nil {
		s.logger.Warnw("Failed to generate", "provider", name, "error", err)
		s.handleError(w, classify(err))
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxy.PerformanceReport())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxy.MetricsSnapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxy.HealthStatus())
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.proxy.CheckHealth(r.Context()))
}

func (s *Server) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Load(r.Context(), LatestReportKey)
	if err != nil {
		s.logger.Warnw("Failed to load the latest report", "error", err)
		s.handleError(w, UnavailableError{err})
		return
	}
	if report == nil {
		s.handleError(w, NotFoundError{errors.New("no report has been published yet")})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(report); err != nil {
		s.logger.Warnw("Failed to write the latest report", "error", err)
	}
}

// classify maps proxy errors to the typed errors handleError understands.
func classify(err error) error {
	var failoverErr *proxy.FailoverError
	switch {
	case errors.Is(err, proxy.ErrProviderNotFound):
		return NotFoundError{err}
	case errors.As(err, &failoverErr):
		return UnavailableError{err}
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, proxy.ErrRequestTimeout):
		return RequestTimeoutError{err}
	}
	return err
}

func (s *Server) handleError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case BadRequestError:
		s.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case NotFoundError:
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case RequestTimeoutError:
		s.writeError(w, http.StatusRequestTimeout, "timeout", err.Error())
	case UnavailableError:
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errorType string, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errorType,
			"message": message,
			"code":    status,
		},
	})
}
