// Package api serves the backtest service over gRPC and Prometheus metrics
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"quantlab/internal/config"
)

// Server hosts the gRPC backtest service and the HTTP metrics endpoint.
type Server struct {
	grpcAddr    string
	metricsAddr string
	grpc        *grpc.Server
	http        *http.Server
	log         *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*http.ServeMux)

// WithREST mounts h under /api/ on the HTTP listener.
func WithREST(h http.Handler) ServerOption {
	return func(mux *http.ServeMux) {
		if h != nil {
			mux.Handle("/api/", h)
		}
	}
}

// NewServer creates a Server for svc. Metrics are served from gatherer; a nil
// gatherer uses the default registry.
func NewServer(cfg config.Server, svc BacktestServer, gatherer prometheus.Gatherer, log *slog.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	gs := grpc.NewServer()
	RegisterBacktestServer(gs, svc)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	for _, opt := range opts {
		opt(mux)
	}

	return &Server{
		grpcAddr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)),
		metricsAddr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.MetricsPort)),
		grpc:        gs,
		http:        &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:         log.With("component", "server"),
	}
}

// MetricsHandler returns the HTTP handler serving /metrics, /healthz and any
// mounted REST routes.
func (s *Server) MetricsHandler() http.Handler {
	return s.http.Handler
}

// ListenAndServe binds the configured addresses and serves until ctx is
// cancelled or a listener fails, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}
	metricsLis, err := net.Listen("tcp", s.metricsAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listening on %s: %w", s.metricsAddr, err)
	}
	return s.Serve(ctx, grpcLis, metricsLis)
}

// Serve serves on the given listeners until ctx is cancelled or one of them
// fails. It always shuts both servers down before returning.
func (s *Server) Serve(ctx context.Context, grpcLis, metricsLis net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("metrics server listening", "addr", metricsLis.Addr().String())
		if err := s.http.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops both servers, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics shutdown: %w", err)
	}
	return nil
}
