// Package handler exposes the dispatch actions workers and requesters take
// over HTTP: resolving offers, cancelling, starting and completing work, and
// reporting positions.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/servicematch/internal/auth"
	"github.com/example/servicematch/internal/dispatch/domain"
	"github.com/example/servicematch/internal/eventbus"
	"github.com/example/servicematch/internal/geo"
	ratelimit "github.com/example/servicematch/internal/http/middleware"
	"github.com/example/servicematch/internal/location"
)

// Dispatcher is the subset of the engine the API drives.
type Dispatcher interface {
	Get(ctx context.Context, id string) (domain.Request, error)
	ResolveOffer(ctx context.Context, requestID, workerID string, outcome domain.OfferOutcome) (domain.Request, error)
	Cancel(ctx context.Context, requestID, reason string) (domain.Request, error)
	Start(ctx context.Context, requestID, workerID string) (domain.Request, error)
	Complete(ctx context.Context, requestID, workerID string) (domain.Request, error)
}

// HTTP wires Dispatcher and a location sink into chi routes.
type HTTP struct {
	engine    Dispatcher
	locations location.Sink
	secret    string
	limiter   *ratelimit.RateLimiter
	logger    *zap.Logger
}

// NewHTTP constructs a handler. limiter may be nil.
func NewHTTP(engine Dispatcher, locations location.Sink, secret string, limiter *ratelimit.RateLimiter, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{engine: engine, locations: locations, secret: secret, limiter: limiter, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.accessLog, middleware.Recoverer)
	r.Get("/v1/openapi.yaml", openAPIHandler)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.secret))
		r.Use(h.limiter.Middleware)

		r.Get("/v1/requests/{id}", h.getRequest)
		r.With(auth.RequireRole(auth.RoleRequester)).Post("/v1/requests/{id}/cancel", h.cancelRequest)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleWorker))
			r.Post("/v1/requests/{id}/offers/{workerId}/accept", h.resolveOffer(domain.OfferAccepted))
			r.Post("/v1/requests/{id}/offers/{workerId}/decline", h.resolveOffer(domain.OfferDeclined))
			r.Post("/v1/requests/{id}/start", h.startRequest)
			r.Post("/v1/requests/{id}/complete", h.completeRequest)
			r.Put("/v1/workers/{id}/location", h.putLocation)
		})
	})
	return r
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if !canView(claims, req) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) resolveOffer(outcome domain.OfferOutcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workerID := chi.URLParam(r, "workerId")
		if !h.actingAs(w, r, workerID) {
			return
		}
		req, err := h.engine.ResolveOffer(r.Context(), chi.URLParam(r, "id"), workerID, outcome)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	var payload cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	id := chi.URLParam(r, "id")
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims.Role != auth.RoleAdmin {
		current, err := h.engine.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if current.RequesterID != claims.Subject {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}
	req, err := h.engine.Cancel(r.Context(), id, payload.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) startRequest(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	req, err := h.engine.Start(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) completeRequest(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	req, err := h.engine.Complete(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type locationUpdate struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Category  string     `json:"category"`
	Available bool       `json:"available"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (h *HTTP) putLocation(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if !h.actingAs(w, r, workerID) {
		return
	}
	var payload locationUpdate
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loc := location.WorkerLocation{
		WorkerID:  workerID,
		Point:     geo.Point{Lat: payload.Lat, Lng: payload.Lng},
		Category:  payload.Category,
		Available: payload.Available,
		Timestamp: time.Now().UTC(),
	}
	if payload.Timestamp != nil {
		loc.Timestamp = payload.Timestamp.UTC()
	}
	if err := h.locations.Upsert(r.Context(), loc); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// actingAs rejects workers acting on another worker's behalf. Admins may.
func (h *HTTP) actingAs(w http.ResponseWriter, r *http.Request, workerID string) bool {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims.Role == auth.RoleAdmin || claims.Subject == workerID {
		return true
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}

func canView(claims *auth.Claims, req domain.Request) bool {
	return claims.Role == auth.RoleAdmin || req.Involves(claims.Subject)
}

func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, location.ErrInvalidSample), errors.Is(err, geo.ErrInvalidCoordinates):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, eventbus.ErrPublishExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTP) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
