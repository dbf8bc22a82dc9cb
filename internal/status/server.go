package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oicur0t/sqlaudit/internal/agent"
	"github.com/oicur0t/sqlaudit/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultRecordLimit = 50
	shutdownTimeout    = 5 * time.Second
)

// Controller is the view of the collection loop the status server needs.
// *agent.Loop implements it.
type Controller interface {
	StreamID() string
	Running() bool
	Watermark() time.Time
	Stats() agent.StatsSnapshot
	RecentRecords(max int) []models.LogRecord
	CollectNow(ctx context.Context) (agent.TickResult, error)
}

// Report is the body of GET /v1/status
type Report struct {
	StreamID  string              `json:"stream_id"`
	Running   bool                `json:"running"`
	Watermark time.Time           `json:"watermark"`
	Stats     agent.StatsSnapshot `json:"stats"`
}

// Server serves the local status and control endpoints
type Server struct {
	ctrl   Controller
	router chi.Router
	logger *zap.Logger
}

// New creates a status server for ctrl
func New(ctrl Controller, logger *zap.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(loggerMiddleware(logger))
	router.Use(middleware.Recoverer)

	router.Get("/metrics", promhttp.HandlerFor(newRegistry(ctrl), promhttp.HandlerOpts{}).ServeHTTP)
	router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/status", s.status)
		r.Get("/records", s.records)
		r.Post("/collect", s.collect)
	})

	s.router = router
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		StreamID:  s.ctrl.StreamID(),
		Running:   s.ctrl.Running(),
		Watermark: s.ctrl.Watermark(),
		Stats:     s.ctrl.Stats(),
	})
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	records := s.ctrl.RecentRecords(limit)
	if records == nil {
		records = []models.LogRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// collect runs a tick now. A rolled back tick answers 502 since the
// upstream rejected the delivery.
func (s *Server) collect(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.CollectNow(r.Context())
	switch {
	case err != nil:
		s.logger.Error("Manual collection failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, result)
	case result.Outcome == agent.OutcomeRolledBack:
		writeJSON(w, http.StatusBadGateway, result)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func loggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
