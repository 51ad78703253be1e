// Package httpapi is the engine's HTTP Facade: the public surface
// teams poll for the scoreboard and submit flags against. Grounded on
// the teacher's infrastructure/middleware package (logging + recovery
// wrapping every route via gorilla/mux.MiddlewareFunc).
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arenactf/engine/internal/ctferrors"
	"github.com/arenactf/engine/internal/ctfmetrics"
	"github.com/arenactf/engine/internal/logging"
	"github.com/arenactf/engine/internal/scoreboard"
	"github.com/arenactf/engine/internal/submission"
)

//go:embed static
var staticFS embed.FS

// Scorer is the subset of scoreboard.Cache the facade needs.
type Scorer interface {
	GetStats(ctx context.Context, wait bool) ([]scoreboard.View, error)
}

// Submitter is the subset of submission.Service the facade needs.
type Submitter interface {
	SubmitFlags(ctx context.Context, teamToken string, flagList []string, now time.Time) (submission.Summary, error)
}

// RoundSource reports the current round number for getStats.
type RoundSource interface {
	RoundNum() int
}

// Server wires the route table and middleware chain.
type Server struct {
	scores       Scorer
	submitter    Submitter
	rounds       RoundSource
	log          *logging.Logger
	metrics      *ctfmetrics.Metrics
	flagLifetime int

	httpServer *http.Server
}

// NewServer builds a Server bound to addr (":8080"-style).
func NewServer(addr string, scores Scorer, submitter Submitter, rounds RoundSource, metrics *ctfmetrics.Metrics, log *logging.Logger, flagLifetime int) *Server {
	s := &Server{
		scores:       scores,
		submitter:    submitter,
		rounds:       rounds,
		log:          log.WithComponent("httpapi"),
		metrics:      metrics,
		flagLifetime: flagLifetime,
	}

	router := mux.NewRouter()
	router.Use(s.requestIDMiddleware, s.recoveryMiddleware, s.loggingMiddleware)

	router.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	router.HandleFunc("/favicon.ico", s.handleFavicon).Methods(http.MethodGet)
	router.HandleFunc("/api/getStats", s.handleGetStats).Methods(http.MethodGet)
	router.HandleFunc("/api/flagSubmit", s.handleFlagSubmit).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ctxKey namespaces context values the facade sets, avoiding
// collisions with keys set by other packages.
type ctxKey string

const requestIDKey ctxKey = "request_id"

// requestIDMiddleware stamps every request with a trace ID, the same
// uuid-backed request-tracing idiom as the teacher's
// infrastructure/logging.NewTraceID, surfaced here via the
// X-Request-Id response header and threaded through the log line.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs every request's method, path, status, and
// duration, and records it in ctfmetrics (teacher's
// middleware.LoggingMiddleware pattern, generalized to also feed
// Prometheus).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.log.WithField("request_id", requestIDFromContext(r.Context())).
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", wrapped.statusCode).
			WithField("duration_ms", duration.Milliseconds()).
			Info("http request")

		if s.metrics != nil {
			status := strconv.Itoa(wrapped.statusCode)
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, status).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path).Observe(duration.Seconds())
		}
	})
}

// recoveryMiddleware recovers from panics in any handler and answers
// with the generic 500 body (spec.md §6, "Generic error"), mirroring
// the teacher's RecoveryMiddleware.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithField("panic", rec).WithField("stack", string(debug.Stack())).Error("panic recovered")
				writeError(w, http.StatusInternalServerError, "Generic error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Generic error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/favicon.ico")
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/x-icon")
	_, _ = w.Write(data)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	views, err := s.scores.GetStats(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Generic error")
		return
	}

	round := 0
	if s.rounds != nil {
		round = s.rounds.RoundNum()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"teams":        views,
		"roundNum":     round,
		"flagLifetime": s.flagLifetime,
	})
}

type flagSubmitRequest struct {
	Token interface{} `json:"token"`
	Flags interface{} `json:"flags"`
}

func (s *Server) handleFlagSubmit(w http.ResponseWriter, r *http.Request) {
	var req flagSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Input data is not json")
		return
	}

	if req.Token == nil || req.Flags == nil {
		writeError(w, http.StatusBadRequest, "token or flags fields missing")
		return
	}

	token, ok := req.Token.(string)
	if !ok {
		writeError(w, http.StatusBadRequest, "token must be a string")
		return
	}

	rawFlags, ok := req.Flags.([]interface{})
	if !ok {
		writeError(w, http.StatusBadRequest, "flags must be a list")
		return
	}

	flags := make([]string, 0, len(rawFlags))
	for _, f := range rawFlags {
		if str, ok := f.(string); ok {
			flags = append(flags, str)
		}
	}

	summary, err := s.submitter.SubmitFlags(r.Context(), token, flags, time.Now())
	if err != nil {
		switch {
		case ctferrors.IsKind(err, ctferrors.KindRateLimitExceeded), ctferrors.IsKind(err, ctferrors.KindServiceBusy):
			writeError(w, http.StatusBadRequest, "Rate limit exceeded")
		case ctferrors.IsKind(err, ctferrors.KindInvalidToken):
			writeError(w, http.StatusBadRequest, "Invalid token")
		case ctferrors.IsKind(err, ctferrors.KindOutOfTimeWindow):
			writeError(w, http.StatusBadRequest, "Too early or too late to submit a flag")
		default:
			writeError(w, http.StatusInternalServerError, "Generic error")
		}
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
