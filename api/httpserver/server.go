// Package httpserver serves the exchange over HTTP.
//
// BaseServer carries everything that is not exchange specific: middleware, request
// logging and metrics, liveness and readiness checks, drain control, the Prometheus
// endpoint and graceful shutdown. Handlers plug in through RouteRegistrar.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/config"
	"github.com/cloudx-io/adexchange/metrics"
)

// RouteRegistrar defines the interface for components that register routes
// with the server's router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics

	// Gatherer backs /metrics. The endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
}

type BaseServer struct {
	cfg     config.HTTPConfig
	isReady atomic.Bool
	log     *zap.Logger
	metrics *metrics.Metrics

	srv *http.Server
}

func New(cfg config.HTTPConfig, opts Options, routeRegistrars ...RouteRegistrar) *BaseServer {
	srv := &BaseServer{
		cfg:     cfg,
		log:     opts.Log,
		metrics: opts.Metrics,
	}
	if srv.log == nil {
		srv.log = zap.NewNop()
	}
	if srv.metrics == nil {
		srv.metrics = metrics.New(nil)
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.createRouter(opts.Gatherer, routeRegistrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	srv.isReady.Store(true)
	return srv
}

func (srv *BaseServer) createRouter(gatherer prometheus.Gatherer, routeRegistrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, registrar := range routeRegistrars {
			registrar.RegisterRoutes(r)
		}
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handler exposes the router, mostly for tests.
func (srv *BaseServer) Handler() http.Handler {
	return srv.srv.Handler
}

// httpLogger logs each request and records its status and latency under the matched
// route pattern.
func (srv *BaseServer) httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		label := r.Method + " " + route
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		srv.metrics.RequestsProcessed.WithLabelValues(label, strconv.Itoa(status)).Inc()
		srv.metrics.RequestDuration.WithLabelValues(label).Observe(elapsed.Seconds())
		srv.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (srv *BaseServer) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *BaseServer) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *BaseServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("server marked as not ready")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, map[string]string{"status": status})
}

// RunInBackground starts serving. Errors other than a clean close are logged.
func (srv *BaseServer) RunInBackground() {
	go func() {
		srv.log.Info("starting HTTP server", zap.String("listen_addr", srv.cfg.ListenAddr))
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown marks the server not ready, waits out the drain period so load balancers can
// notice, and then stops accepting requests, waiting for in-flight ones to finish.
func (srv *BaseServer) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("draining before shutdown", zap.Duration("drain_duration", srv.cfg.DrainDuration))
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("graceful HTTP server shutdown failed", zap.Error(err))
		return
	}
	srv.log.Info("HTTP server gracefully stopped")
}
