package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"beacon/internal/auth"
	"beacon/internal/dedup"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxRequestBody    = 1 << 20

	// HealthService is the gRPC health service name reported for telemetry.
	HealthService = "beacon.Telemetry"
)

// CaptureRequest is the /capture request body.
type CaptureRequest struct {
	Kind          string            `json:"kind"`
	Level         string            `json:"level"`
	Message       string            `json:"message"`
	ExceptionType string            `json:"exception_type,omitempty"`
	Context       map[string]any    `json:"context,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Sync          bool              `json:"sync,omitempty"`
}

// CaptureResult is the /capture response body.
type CaptureResult struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// Options configures the control plane.
type Options struct {
	Listen     string
	GRPCListen string
	Pprof      bool
	Metrics    bool

	Exchanger    *auth.Exchanger
	CaptureScope string
	Capture      func(ctx context.Context, req CaptureRequest) CaptureResult
	Gatherer     prometheus.Gatherer
	Healthy      func() bool

	Dedup        DedupInspector
	InspectScope string
}

// DedupInspector exposes the in-process dedup state for inspection.
type DedupInspector interface {
	Snapshot() []dedup.Entry
	Touch(fingerprint string) bool
}

// Server serves the HTTP control endpoints and the gRPC health service.
type Server struct {
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
	health *health.Server

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	http     *http.Server
	grpc     *grpc.Server
	stopOnce sync.Once
}

// New builds the control plane handlers without binding sockets.
// Params: opts endpoints and collaborators; logger diagnostics.
// Returns: server.
func New(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Healthy == nil {
		opts.Healthy = func() bool { return true }
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
		health: health.NewServer(),
	}

	s.mux.HandleFunc("/auth", s.handleAuth)
	s.mux.HandleFunc("/capture", s.handleCapture)
	s.mux.HandleFunc("/dedup", s.handleDedup)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	if opts.Metrics && opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.Pprof {
		mountPprof(s.mux)
	}

	s.SetServing(opts.Healthy())
	return s
}

// Handler returns the HTTP handler.
// Params: none.
// Returns: handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetServing updates the gRPC health status.
// Params: serving true for SERVING, false for NOT_SERVING.
// Returns: none.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.health.SetServingStatus("", status)
}

// Listen binds the configured listeners.
// Params: none.
// Returns: bind error.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	httpLn, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %q: %w", s.opts.Listen, err)
	}
	s.httpLn = httpLn
	s.http = &http.Server{Handler: s.mux, ReadHeaderTimeout: readHeaderTimeout}

	if s.opts.GRPCListen != "" {
		grpcLn, err := net.Listen("tcp", s.opts.GRPCListen)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listen %q: %w", s.opts.GRPCListen, err)
		}
		s.grpcLn = grpcLn
		s.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpc, s.health)
	}
	return nil
}

// Addr returns the bound HTTP address.
// Params: none.
// Returns: address or empty string before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// GRPCAddr returns the bound gRPC address.
// Params: none.
// Returns: address or empty string when disabled.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return ""
	}
	return s.grpcLn.Addr().String()
}

// Run serves until ctx is done, then shuts down.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; early serve error.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	httpServer, httpLn, grpcServer, grpcLn := s.http, s.httpLn, s.grpc, s.grpcLn
	s.mu.Unlock()
	if httpServer == nil {
		return errors.New("control plane is not listening")
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- httpServer.Serve(httpLn)
	}()
	if grpcServer != nil {
		go func() {
			errCh <- grpcServer.Serve(grpcLn)
		}()
	}
	s.logger.Info("control plane started", slog.String("listen", httpLn.Addr().String()), slog.String("grpc_listen", s.GRPCAddr()))

	select {
	case <-ctx.Done():
		s.stop()
		return nil
	case err := <-errCh:
		s.stop()
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		s.logger.Error("control plane stopped unexpectedly", slog.String("error", err.Error()))
		return err
	}
}

// stop shuts both servers down once.
func (s *Server) stop() {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		if s.grpc != nil {
			s.grpc.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("control plane shutdown error", slog.String("error", err.Error()))
		}
	})
}
