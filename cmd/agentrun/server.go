package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/cache"
	"github.com/BaSui01/agentrun/client"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/metrics"
	"github.com/BaSui01/agentrun/ratelimit"
	"github.com/BaSui01/agentrun/retry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Server wires the client stack together and serves the operational
// endpoints: /healthz, /metrics, and a read-only view of local run
// state.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	client *client.Client
	http   *http.Server
	errCh  chan error
}

// NewServer builds the full dependency stack from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	ca, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("agentrun", registry, logger)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	retrier := retry.NewExecutor(cfg.Retry.Policy(), collector, logger)

	c, err := client.New(cfg.Client, client.Deps{
		Store:   st,
		Cache:   ca,
		Limiter: limiter,
		Retrier: retrier,
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "server")),
		client: c,
		errCh:  make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.errCh <- err
		}
	}()
	return nil
}

// WaitForShutdown blocks until a signal or a serve error, then shuts
// down gracefully.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-s.errCh:
		s.logger.Error("server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("client close failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.client.Health(r.Context())

	status := http.StatusOK
	if !h.StoreOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleRuns serves the local state store, read-only. Query params:
// status, repo, limit.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{Repo: r.URL.Query().Get("repo")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.RunStatus(raw)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + raw})
			return
		}
		filter.Status = []types.RunStatus{st}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	runs, err := s.client.Store().List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
