// Package runtime assembles the notes daemon: telemetry, the core
// components, bus ingest and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-notes/internal/api"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/ingest"
	"github.com/loqalabs/loqa-notes/internal/presence"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	ready    atomic.Bool
	core     *Core
	ingest   *ingest.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	core, err := OpenCore(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.core = core
	defer func() {
		if err := core.Close(); err != nil {
			r.logger.Error("core shutdown error", slog.String("error", err.Error()))
		}
	}()

	if core.Bus != nil {
		r.ingest = ingest.NewService(ctx, r.cfg.Recorder, core.Bus.Conn(), core.Pipeline, r.logger)
		if err := r.ingest.Start(); err != nil {
			return err
		}
		defer r.ingest.Close()

		r.presence, err = presence.Start(ctx, r.cfg.Node, core.Bus.Conn(), presence.LocalCapabilities(r.cfg), r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		defer r.presence.Close()
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           r.Handler(metricHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricHandler)
		servers = append(servers, &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gCtx)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.core.Journal.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Handler builds the HTTP surface: probes, metrics and the API under /api.
func (r *Runtime) Handler(metrics http.Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(requestLogger(r.logger))
	mux.Use(middleware.Recoverer)

	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if r.core != nil {
		mux.Mount("/api", api.NewRouter(api.Deps{
			Notes:          r.core.Notes,
			Pipeline:       r.core.Pipeline,
			Journal:        r.core.Journal,
			Presence:       r.presence,
			TempDir:        r.cfg.Recorder.TempDir,
			MaxUploadBytes: r.cfg.HTTP.MaxUploadBytes,
		}))
	}
	return mux
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			logger.Debug("http request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(req.Context())))
		})
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.core == nil || !r.core.Healthy() {
		return false
	}
	if r.ingest != nil && !r.ingest.Healthy() {
		return false
	}
	return r.presence == nil || r.presence.Healthy()
}
