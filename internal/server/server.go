// Package server is the HTTP surface of the relay: the WebSocket
// endpoint, the REST routes around it, and the background sweep loops
// that keep sessions, transfers, and cached images tidy.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collabrio/relay/internal/config"
	"github.com/collabrio/relay/internal/gateway"
	"github.com/collabrio/relay/internal/imagecache"
	"github.com/collabrio/relay/internal/session"
	"github.com/collabrio/relay/internal/store"
	"github.com/collabrio/relay/internal/transfer"
)

// Deps are the constructed core components the server serves.
type Deps struct {
	Registry  *session.Registry
	Transfers *transfer.Engine
	Images    *imagecache.Cache
	Store     store.Store
	Hub       *gateway.Hub
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Server owns the HTTP listener and the maintenance loops.
type Server struct {
	cfg  *config.Config
	deps Deps
	http *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.Router(),
	}
	return s
}

// Router assembles the route table. Exposed separately so tests can
// serve it from httptest.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(Tracing(WithRequestFilter(func(req *http.Request) bool {
		switch req.URL.Path {
		case "/ws", "/metrics", "/healthz":
			return false
		}
		return true
	})))

	r.Handle("/ws", s.deps.Hub)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.deps.Metrics != nil {
			r.Use(s.deps.Metrics.Middleware)
		}

		r.Get("/status", s.handleStatus)
		r.Get("/debug/sessions", s.handleDebugSessions)
		r.Post("/validate-school", s.handleValidateSchool)
		r.Post("/inject-text", s.handleInjectText)

		r.Post("/upload-file", s.handleUploadFile)
		r.Get("/download-file/{fileID}", s.handleDownloadFile)

		r.Get("/cached-image/{sessionID}/{fileID}", s.handleServeCachedImage)
		r.Delete("/cached-image/{sessionID}/{fileID}", s.handleDeleteCachedImage)
	})

	return r
}

// Run serves until ctx is cancelled, then drains with the configured
// shutdown timeout and flushes every in-memory document.
func (s *Server) Run(ctx context.Context) error {
	logger := s.deps.Logger
	logger.Info("server listening", "addr", s.http.Addr)

	go s.sweepLoop(ctx)
	go s.imageSweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	s.deps.Registry.FlushAll(shutdownCtx)
	return nil
}

// sweepLoop reaps silent members and expired transfers on the short
// maintenance cadence.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.deps.Transfers.SweepExpired(); len(expired) > 0 {
				s.deps.Hub.NotifyExpiredTransfers(expired)
			}

			emptied := s.deps.Registry.CleanupInactive(s.cfg.ClientTimeout)
			if len(emptied) > 0 {
				s.deps.Hub.DropSessions(ctx, emptied)
			}

			if s.deps.Metrics != nil {
				s.deps.Metrics.SetActiveSessions(len(s.deps.Registry.SessionIDs()))
			}
		}
	}
}

// imageSweepLoop evicts cached images from sessions idle past the
// inactivity threshold and purges long-dead session rows.
func (s *Server) imageSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ImageSweepInterval)
	defer ticker.Stop()

	logger := s.deps.Logger
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			threshold := time.Now().Add(-s.cfg.ImageInactivity)
			if n, err := s.deps.Images.SweepInactive(ctx, threshold); err != nil {
				logger.Error("image sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("swept inactive cached images", "count", n)
			}

			if n, err := s.deps.Store.PurgeSessionsOlderThan(ctx, s.cfg.SessionPurgeAge); err != nil {
				logger.Error("session purge failed", "error", err)
			} else if n > 0 {
				logger.Info("purged stale session rows", "count", n)
			}
		}
	}
}

func trimPathValue(r *http.Request, key string) string {
	return strings.TrimSpace(chi.URLParam(r, key))
}
