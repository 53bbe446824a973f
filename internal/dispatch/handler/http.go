package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

// Dispatcher is the dispatch core as seen by the transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error)
	Nearest(ctx context.Context, req domain.DispatchRequest, availableOnly bool) ([]domain.Candidate, error)
	Release(ctx context.Context, taxiID string) error
	Estimate(distanceMeters float64) int
}

// FleetSeeder replaces the taxi pool.
type FleetSeeder interface {
	Seed(ctx context.Context, specs []domain.TaxiSpec) ([]string, error)
}

const (
	StatusAssigned = "assigned"
	StatusNoTaxi   = "no_taxi_available"

	defaultNearestLimit = 10
	retryAfterSeconds   = "1"
	maxRequestBodyBytes = 1 << 20
)

// HTTP exposes dispatch endpoints.
type HTTP struct {
	dispatcher    Dispatcher
	seeder        FleetSeeder
	defaultFleet  []domain.TaxiSpec
	defaultRadius float64
	limit         func(http.Handler) http.Handler
	logger        *zap.Logger
}

// Option customises the handler.
type Option func(*HTTP)

// WithDefaultRadius sets the radius applied when a request omits one.
func WithDefaultRadius(meters float64) Option {
	return func(h *HTTP) {
		if meters > 0 {
			h.defaultRadius = meters
		}
	}
}

// WithDispatchLimiter wraps the dispatch endpoint with a rate limiting middleware.
func WithDispatchLimiter(mw func(http.Handler) http.Handler) Option {
	return func(h *HTTP) { h.limit = mw }
}

// WithDefaultFleet sets the fleet seeded when the seed request has no body.
func WithDefaultFleet(specs []domain.TaxiSpec) Option {
	return func(h *HTTP) { h.defaultFleet = specs }
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *HTTP) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHTTP constructs a handler. seeder may be nil, which disables the seed endpoint.
func NewHTTP(dispatcher Dispatcher, seeder FleetSeeder, opts ...Option) *HTTP {
	h := &HTTP{
		dispatcher:    dispatcher,
		seeder:        seeder,
		defaultRadius: domain.DefaultRadiusMeters,
		limit:         func(next http.Handler) http.Handler { return next },
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.With(h.limit).Post("/v1/dispatch", h.dispatch)
	r.Get("/v1/taxis/nearest", h.nearest)
	r.Post("/v1/taxis/{id}/release", h.release)
	if h.seeder != nil {
		r.Post("/v1/fleet/seed", h.seed)
	}
	return r
}

type dispatchRequest struct {
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	RadiusMeters *float64 `json:"radius_meters,omitempty"`
}

type location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type taxiView struct {
	ID          string   `json:"id"`
	DriverName  string   `json:"driver_name"`
	PlateNumber string   `json:"plate_number"`
	Location    location `json:"location"`
	Available   bool     `json:"is_available"`
}

type dispatchResponse struct {
	Status           string    `json:"status"`
	DispatchID       string    `json:"dispatch_id,omitempty"`
	Taxi             *taxiView `json:"taxi,omitempty"`
	DistanceMeters   float64   `json:"distance_meters,omitempty"`
	DistanceKM       float64   `json:"distance_km,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes,omitempty"`
}

type candidateView struct {
	Taxi             taxiView `json:"taxi"`
	DistanceMeters   float64  `json:"distance_meters"`
	DistanceKM       float64  `json:"distance_km"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

func (h *HTTP) dispatch(w http.ResponseWriter, r *http.Request) {
	var payload dispatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if payload.Lat == nil || payload.Lng == nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	req := domain.DispatchRequest{OriginLat: *payload.Lat, OriginLng: *payload.Lng, RadiusMeters: h.defaultRadius}
	if payload.RadiusMeters != nil {
		req.RadiusMeters = *payload.RadiusMeters
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !result.Assigned {
		writeJSON(w, http.StatusOK, dispatchResponse{Status: StatusNoTaxi, DispatchID: result.DispatchID})
		return
	}
	view := toTaxiView(result.Taxi)
	writeJSON(w, http.StatusOK, dispatchResponse{
		Status:           StatusAssigned,
		DispatchID:       result.DispatchID,
		Taxi:             &view,
		DistanceMeters:   result.DistanceMeters,
		DistanceKM:       kilometers(result.DistanceMeters),
		EstimatedMinutes: result.EstimatedMinutes,
	})
}

func (h *HTTP) nearest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		http.Error(w, "invalid lng", http.StatusBadRequest)
		return
	}
	req := domain.DispatchRequest{OriginLat: lat, OriginLng: lng, RadiusMeters: h.defaultRadius}
	if raw := q.Get("radius_meters"); raw != "" {
		if req.RadiusMeters, err = strconv.ParseFloat(raw, 64); err != nil {
			http.Error(w, "invalid radius_meters", http.StatusBadRequest)
			return
		}
	}
	availableOnly := true
	if raw := q.Get("available_only"); raw != "" {
		if availableOnly, err = strconv.ParseBool(raw); err != nil {
			http.Error(w, "invalid available_only", http.StatusBadRequest)
			return
		}
	}
	limit := defaultNearestLimit
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	cands, err := h.dispatcher.Nearest(r.Context(), req, availableOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]candidateView, 0, len(cands))
	for _, c := range cands {
		out = append(out, candidateView{
			Taxi:             toTaxiView(c.Taxi),
			DistanceMeters:   c.DistanceMeters,
			DistanceKM:       kilometers(c.DistanceMeters),
			EstimatedMinutes: h.dispatcher.Estimate(c.DistanceMeters),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"taxis": out})
}

func (h *HTTP) release(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) seed(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	specs := h.defaultFleet
	if len(body) > 0 {
		specs = nil
		if err := json.Unmarshal(body, &specs); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	ids, err := h.seeder.Seed(r.Context(), specs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids, "count": len(ids)})
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrTransport):
		h.logger.Warn("store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		http.Error(w, domain.ErrTransport.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func toTaxiView(t domain.Taxi) taxiView {
	return taxiView{
		ID:          t.ID,
		DriverName:  t.DriverName,
		PlateNumber: t.PlateNumber,
		Location:    location{Lat: t.Lat, Lng: t.Lng},
		Available:   t.Available,
	}
}

// kilometers rounds to one decimal place.
func kilometers(meters float64) float64 {
	return math.Round(meters/100) / 10
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
