// Package server exposes the targeting operations over HTTP, matching the
// surface the demo UI consumes: GET /flags/ for membership states and
// POST /flags/ for allow-list updates.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/garage-demos/flags-api/internal/metrics"
	"github.com/garage-demos/flags-api/internal/service"
	"github.com/garage-demos/flags-api/internal/store"
	"github.com/garage-demos/flags-api/internal/targeting"
)

const defaultMaxJSONBodyBytes = int64(1 << 20)

var errJSONBodyTooLarge = errors.New("json request body too large")

// Service is the slice of the targeting service the handlers need.
type Service interface {
	GetTargetingStates(ctx context.Context, userID string) (map[string]bool, error)
	SetTargeting(ctx context.Context, userID, flagKey string, enabled bool) (service.UpdateResult, error)
}

var _ Service = (*service.Service)(nil)

// HTTPServer routes targeting requests to the service.
type HTTPServer struct {
	service          Service
	metrics          *metrics.Metrics
	maxJSONBodyBytes int64
}

type targetingJSONRequest struct {
	UserID  string `json:"userId"`
	FlagKey string `json:"flagKey"`
	Enabled bool   `json:"enabled"`
}

// HandlerOption configures the HTTP handler.
type HandlerOption func(*HTTPServer)

// WithMaxJSONBodySize caps the accepted JSON request body size in bytes.
func WithMaxJSONBodySize(n int64) HandlerOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// NewHTTPHandler builds the HTTP routing for the targeting service. The
// metrics argument may be nil in tests; request instrumentation is then
// skipped and /metrics is not registered.
func NewHTTPHandler(svc Service, m *metrics.Metrics, opts ...HandlerOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		metrics:          m,
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /flags/", server.handleGetTargetingStates)
	mux.HandleFunc("POST /flags/", server.handleSetTargeting)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /{$}", server.handleRoot)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	return server.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if strings.HasPrefix(route, "/flags/") {
			route = "/flags/"
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "flags-api: targeting service is up")
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleGetTargetingStates(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	states, err := s.service.GetTargetingStates(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, states)
}

func (s *HTTPServer) handleSetTargeting(w http.ResponseWriter, r *http.Request) {
	var req targetingJSONRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(req.UserID) == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if strings.TrimSpace(req.FlagKey) == "" {
		writeJSONError(w, http.StatusBadRequest, "flagKey is required")
		return
	}

	result, err := s.service.SetTargeting(r.Context(), req.UserID, req.FlagKey, req.Enabled)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrPermissionDenied):
		writeJSONError(w, http.StatusForbidden, serviceErrorMessage(err))
	case errors.Is(err, service.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		// targeting.ErrMalformedRule, store.ErrMalformedDocument,
		// store.ErrStorage, and anything unexpected.
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrValidation):
		return "invalid request"
	case errors.Is(err, service.ErrPermissionDenied):
		return "flag is not editable"
	case errors.Is(err, service.ErrNotFound):
		return "flag not found"
	case errors.Is(err, targeting.ErrMalformedRule):
		return "targeting rule has an unsupported shape"
	case errors.Is(err, store.ErrMalformedDocument):
		return "flag document is malformed"
	case errors.Is(err, store.ErrStorage):
		return "flag document is unavailable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
