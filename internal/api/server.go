package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/featuregrid/featuregrid/internal/evaluation"
	"github.com/featuregrid/featuregrid/internal/models"
	"github.com/featuregrid/featuregrid/internal/settings"
	"github.com/featuregrid/featuregrid/internal/telemetry"
)

// ContextResolver derives location and user-agent attributes for a user
// before evaluation. A nil resolver skips the step.
type ContextResolver interface {
	ResolveContext(ctx context.Context, user *models.UserContext) (*models.ResolvedContext, error)
}

type Server struct {
	engine   *evaluation.Engine
	snapshot *models.Settings
	etag     string
	resolver ContextResolver

	rateLimitPerIP int
	timeout        time.Duration
	log            zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithResolver wires the edge gateway used to resolve IP and user agent.
func WithResolver(r ContextResolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithRateLimit sets the per-IP request budget per minute.
func WithRateLimit(perIP int) Option {
	return func(s *Server) { s.rateLimitPerIP = perIP }
}

// WithTimeout sets the per-request handler timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

func NewServer(engine *evaluation.Engine, snapshot *models.Settings, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		snapshot:       snapshot,
		etag:           `"` + settings.Fingerprint(snapshot) + `"`,
		rateLimitPerIP: 100,
		timeout:        10 * time.Second,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(telemetry.Middleware)
	if s.rateLimitPerIP > 0 {
		r.Use(httprate.LimitByIP(s.rateLimitPerIP, time.Minute))
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// settings snapshot (ETag)
	r.Get("/v1/settings", s.handleSettings)

	r.Post("/v1/flags/{key}/evaluate", s.handleEvaluate)
	r.Post("/v1/track", s.handleTrack)

	return r
}

// ---- handlers ----

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == s.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", s.etag)
	_ = json.NewEncoder(w).Encode(s.snapshot)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	featureKey := chi.URLParam(r, "key")

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		BadRequestError(w, r, ErrCodeMissingField, "userId is required")
		return
	}

	user := &models.UserContext{
		ID:                          req.UserID,
		UserAgent:                   req.UserAgent,
		IPAddress:                   req.IPAddress,
		CustomVariables:             req.CustomVariables,
		VariationTargetingVariables: req.VariationTargetingVariables,
	}

	if s.resolver != nil {
		resolved, err := s.resolver.ResolveContext(r.Context(), user)
		if err != nil {
			// Evaluation proceeds without resolved attributes; the
			// affected segmentation leaves will not match.
			s.log.Warn().Err(err).Str("user_id", user.ID).Msg("context resolution failed")
		} else {
			user.Resolved = resolved
		}
	}

	flag, err := s.engine.GetFlag(r.Context(), featureKey, user)
	switch {
	case errors.Is(err, evaluation.ErrFeatureNotFound):
		NotFoundError(w, r, "unknown feature key: "+featureKey)
		return
	case errors.Is(err, evaluation.ErrMissingUserID), errors.Is(err, evaluation.ErrMissingFeatureKey):
		BadRequestError(w, r, ErrCodeMissingField, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("feature", featureKey).Msg("evaluation failed")
		InternalError(w, r, "evaluation failed")
		return
	}

	telemetry.ObserveDecision(featureKey, flag.IsEnabled)

	resp := evaluateResponse{
		FeatureKey: featureKey,
		IsEnabled:  flag.IsEnabled,
	}
	if len(flag.Variables) > 0 {
		resp.Variables = make(map[string]any, len(flag.Variables))
		for _, v := range flag.Variables {
			resp.Variables[v.Key] = v.Value
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.EventName) == "" {
		BadRequestError(w, r, ErrCodeMissingField, "eventName is required")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		BadRequestError(w, r, ErrCodeMissingField, "userId is required")
		return
	}

	user := &models.UserContext{
		ID:              req.UserID,
		CustomVariables: req.CustomVariables,
	}

	err := s.engine.TrackEvent(r.Context(), req.EventName, user)
	switch {
	case errors.Is(err, evaluation.ErrMetricNotFound):
		NotFoundError(w, r, "unknown event: "+req.EventName)
		return
	case err != nil:
		s.log.Error().Err(err).Str("event", req.EventName).Msg("track failed")
		InternalError(w, r, "track failed")
		return
	}

	telemetry.Conversions.WithLabelValues(req.EventName).Inc()
	writeJSON(w, http.StatusOK, trackResponse{OK: true})
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
