// Package api provides the gateway's HTTP and gRPC servers: cached feed
// reads, a WebSocket session hub for widget subscriptions, Prometheus
// metrics and gRPC health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tradeboard/internal/cache"
	"tradeboard/internal/config"
	"tradeboard/internal/domain"
	"tradeboard/internal/metrics"
)

// Deps are the collaborators the gateway serves from.
type Deps struct {
	Manager  Subscriptions
	Cache    *cache.Store
	Gatherer prometheus.Gatherer // nil disables /metrics
	Gauge    SubscriptionGauge   // may be nil
	Log      *slog.Logger

	// BeforeShutdown runs once at the start of Shutdown, while sessions and
	// their cache entries are still live.
	BeforeShutdown func(ctx context.Context)
}

// Server is the gateway server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	deps     Deps
	hub      *Hub
	health   *Health
	router   http.Handler
	log      *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server

	beforeOnce sync.Once
}

// NewServer creates a Server configured from cfg. It takes over the
// manager's callbacks.
func NewServer(cfg config.Server, deps Deps) *Server {
	s := &Server{
		httpAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		grpcAddr: fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort),
		deps:     deps,
		health:   NewHealth(),
		log:      deps.Log,
	}
	s.hub = NewHub(deps.Manager, deps.Gauge, deps.Log)
	s.hub.Install(s.health.Update)
	s.health.Update(deps.Manager.ConnectionStatus())
	s.router = s.routes()
	return s
}

// Hub returns the WebSocket session hub.
func (s *Server) Hub() *Hub { return s.hub }

// Health returns the gRPC health reporter.
func (s *Server) Health() *Health { return s.health }

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds/{feedType}/{dataSource}", s.handleGetFeed)
		r.Get("/feeds/{feedType}", s.handleGetFeed)
		r.Get("/status", s.handleStatus)
		r.Get("/subscriptions", s.handleSubscriptions)
	})
	r.Get("/ws", s.hub.ServeHTTP)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Gatherer))
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. Both servers are shut down before it
// returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	grpcLn, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	s.health.Register(s.grpcSrv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("gateway HTTP listening", "addr", httpLn.Addr().String())
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("gateway gRPC listening", "addr", grpcLn.Addr().String())
		if err := s.grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.log.Error("shutdown error", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// Shutdown runs the BeforeShutdown hook, closes WebSocket sessions, then
// stops the HTTP and gRPC servers, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.BeforeShutdown != nil {
		s.beforeOnce.Do(func() { s.deps.BeforeShutdown(ctx) })
	}
	s.health.Shutdown()
	s.hub.CloseAll()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcSrv.Stop()
		}
	}
	return err
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Connection    domain.ConnectionStatus `json:"connection"`
	Simulated     bool                    `json:"simulated"`
	Subscriptions int                     `json:"subscriptions"`
	CacheEntries  int                     `json:"cacheEntries"`
	Sessions      int                     `json:"sessions"`
}
