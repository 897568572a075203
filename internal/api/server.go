package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/timetravel/internal/config"
	"github.com/JakeFAU/timetravel/internal/depot"
	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/metrics"
	"github.com/JakeFAU/timetravel/internal/processor"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer hands resolutions to the worker pool. *dispatcher.Dispatcher
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item memento.QueueItem) error
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	store      memento.ResolutionStore
	dispatcher Enqueuer
	registry   *depot.Registry
	idGen      memento.IDGenerator
	clock      memento.Clock
	allowlist  []string
	ready      []ReadinessCheck
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store memento.ResolutionStore,
	dispatcher Enqueuer,
	registry *depot.Registry,
	idGen memento.IDGenerator,
	clock memento.Clock,
	cfg config.Config,
	logger *zap.Logger,
	ready ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		idGen:      idGen,
		clock:      clock,
		allowlist:  normalizeAllowlist(cfg.Resolver.Allowlist),
		ready:      ready,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(60 * time.Second))
		if cfg.Auth.Enabled {
			r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/resolutions", s.createResolution)
		r.Get("/resolutions/{id}", s.getResolution)
		r.Get("/fallback", s.fallback)
		r.Get("/depots", s.depots)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createResolutionRequest struct {
	URL   string `json:"url"`
	Depot string `json:"depot,omitempty"`
}

type createResolutionResponse struct {
	ID     string                   `json:"id"`
	Status memento.ResolutionStatus `json:"status"`
}

func (s *Server) createResolution(w http.ResponseWriter, r *http.Request) {
	var req createResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, err := processor.NormalizeURL(req.URL)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hostAllowed(normalized) {
		s.writeError(w, http.StatusForbidden, "host is not allowed")
		return
	}
	if req.Depot != "" {
		if _, ok := s.registry.Get(req.Depot); !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown depot %q", req.Depot))
			return
		}
	}

	id, err := s.enqueue(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("enqueue resolution failed", zap.String("url", req.URL), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Location", "/v1/resolutions/"+id)
	s.writeJSON(w, http.StatusAccepted, createResolutionResponse{ID: id, Status: memento.StatusQueued})
}

func (s *Server) enqueue(ctx context.Context, req createResolutionRequest) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate resolution id: %w", err)
	}
	now := s.clock.Now().UTC()
	res := memento.Resolution{
		ID:        id,
		URL:       req.URL,
		Depot:     req.Depot,
		Status:    memento.StatusQueued,
		Submitted: now,
	}
	if err := s.store.CreateResolution(ctx, res); err != nil {
		return "", fmt.Errorf("create resolution: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := memento.QueueItem{
		ResolutionID: id,
		URL:          req.URL,
		Depot:        req.Depot,
		Attempt:      1,
		Submitted:    now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		err = fmt.Errorf("enqueue resolution: %w", err)
		s.abandon(ctx, id, req.URL, err)
		return "", err
	}
	return id, nil
}

// abandon marks a stored resolution failed when it never reached the queue,
// so readers do not wait on a job no worker will pick up.
func (s *Server) abandon(ctx context.Context, id, rawURL string, cause error) {
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	update := memento.ResolutionUpdate{
		ID:        id,
		Status:    memento.StatusFailed,
		ErrorText: cause.Error(),
		ErrorCode: processor.UnknownCode,
		At:        s.clock.Now().UTC(),
	}
	if normalized, err := processor.NormalizeURL(rawURL); err == nil {
		update.FallbackURL = s.registry.FallbackURL(normalized)
	}
	if err := s.store.UpdateResolution(updCtx, update); err != nil {
		s.logger.Error("mark unqueued resolution failed",
			zap.String("resolution_id", id), zap.Error(err))
	}
}

func (s *Server) getResolution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.store.GetResolution(r.Context(), id)
	if errors.Is(err, memento.ErrResolutionNotFound) {
		s.writeError(w, http.StatusNotFound, "resolution not found")
		return
	}
	if err != nil {
		s.logger.Error("get resolution failed", zap.String("resolution_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch resolution")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	normalized, err := processor.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"url":          normalized,
		"fallback_url": s.registry.FallbackURL(normalized),
	})
}

func (s *Server) depots(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"depots": s.registry.Configs()})
}

func normalizeAllowlist(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.Trim(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// hostAllowed accepts every host when the allowlist is empty; otherwise the
// host must equal an entry or be a subdomain of one.
func (s *Server) hostAllowed(rawURL string) bool {
	if len(s.allowlist) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range s.allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if expected == "" || key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
