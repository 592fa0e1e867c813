package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"opsync/internal/config"
	"opsync/internal/consistency"
	"opsync/internal/domain"
	"opsync/internal/metrics"
	"opsync/internal/models"
	"opsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultReadyTimeout = 10 * time.Second
	maxReadyTimeout     = time.Minute
)

// ReadyAwaiter waits for an owner's writes to become readable.
type ReadyAwaiter interface {
	AwaitReady(ctx context.Context, ownerKey string, timeout time.Duration) (consistency.Token, error)
}

// HTTPServer is the local control API of the sync daemon.
type HTTPServer struct {
	cfg     config.APIConfig
	queue   domain.OperationQueue
	ready   ReadyAwaiter
	rebuild domain.RebuildPlanner
	// optional, see WithUsers
	users    UserActions
	messages MessageReader
	limiter  *rateLimiter
	logger   zerolog.Logger
	server   *http.Server
}

func NewHTTPServer(cfg config.APIConfig, queue domain.OperationQueue, ready ReadyAwaiter, rebuild domain.RebuildPlanner, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "api").Logger()
	}
	srv := &HTTPServer{
		cfg:     cfg,
		queue:   queue,
		ready:   ready,
		rebuild: rebuild,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  l,
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// ready waits may run up to maxReadyTimeout
		WriteTimeout: maxReadyTimeout + 15*time.Second,
	}
	return srv
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/operations", s.handleEnqueue)
	apiMux.HandleFunc("GET /api/v1/owners/{owner}/operations", s.handlePending)
	apiMux.HandleFunc("DELETE /api/v1/owners/{owner}", s.handleDiscard)
	apiMux.HandleFunc("GET /api/v1/owners/{owner}/ready", s.handleReady)
	apiMux.HandleFunc("GET /api/v1/owners/{owner}/rebuild", s.handleRebuild)
	s.registerUserRoutes(apiMux)
	mux.Handle("/api/", s.guard(apiMux))

	return s.loggingMiddleware(mux)
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": s.queue.Len()})
}

type enqueueRequest struct {
	Kind     string          `json:"kind"`
	OwnerKey string          `json:"owner_key"`
	RecordID string          `json:"record_id"`
	Payload  json.RawMessage `json:"payload"`
	Flush    bool            `json:"flush"`
}

func (s *HTTPServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	op, err := models.NewOperation(strings.TrimSpace(body.Kind), strings.TrimSpace(body.OwnerKey), nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op.ForRecord(strings.TrimSpace(body.RecordID))
	if len(body.Payload) > 0 && string(body.Payload) != "null" {
		op.Payload = body.Payload
	}

	if err := s.queue.Enqueue(r.Context(), op, body.Flush); err != nil {
		if errors.Is(err, worker.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("op", op.String()).Msg("enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue operation")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": op.ID, "seq": op.Seq})
}

func (s *HTTPServer) handlePending(w http.ResponseWriter, r *http.Request) {
	ops := s.queue.Pending(r.PathValue("owner"))
	if ops == nil {
		ops = []*models.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	n, err := s.queue.DiscardOwner(r.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("discard failed")
		writeError(w, http.StatusInternalServerError, "failed to discard operations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"discarded": n})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	timeout := defaultReadyTimeout
	if raw := strings.TrimSpace(r.URL.Query().Get("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout; expected a positive duration like 5s")
			return
		}
		timeout = min(d, maxReadyTimeout)
	}

	token, err := s.ready.AwaitReady(r.Context(), r.PathValue("owner"), timeout)
	switch {
	case err == nil:
		var value any
		if v, ok := token.Get(); ok {
			value = v
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true, "token": value})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"ready": false})
	default:
		// client went away
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *HTTPServer) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ops := s.rebuild.GetRebuildOperationsIfCurrentUser(r.PathValue("owner"))
	if ops == nil {
		ops = []*models.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

// guard applies bearer auth and per-client rate limiting.
func (s *HTTPServer) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		if !s.limiter.allow(r) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
