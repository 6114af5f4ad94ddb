// Package api provides the operator surface of the chore trader: HTTP
// placement and basket endpoints, the websocket ledger feed and gRPC health.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"chorelink/internal/config"
	"chorelink/internal/domain"
	"chorelink/internal/engine"
)

// Placer is the engine placement surface the HTTP endpoints drive.
type Placer interface {
	PlaceNewChore(ctx context.Context, req engine.NewChoreRequest) (bool, string)
	ReplaceChore(ctx context.Context, id string, px *float64, qty *int64) (string, bool)
	PlaceCancelChore(ctx context.Context, id string) bool
	GetChoreStatus(id string) (engine.ChoreStatus, bool)
	OpenChoreIDs() []string
	CancelChores(ctx context.Context, ids []string) engine.BatchResult
	TriggerKillSwitch(ctx context.Context) bool
	RevokeKillSwitch() bool
	State() engine.State
}

// Basket is the managed-chore surface.
type Basket interface {
	Add(ctx context.Context, c domain.Chore) (string, error)
	Amend(ref string, px float64, qty int64) error
	Cancel(ref string)
	List() []domain.Chore
}

// Defaults fill account and exchange when a request omits them.
type Defaults struct {
	Account  string
	Exchange string
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	cfg      config.Server
	placer   Placer
	basket   Basket
	hub      *Hub
	health   *HealthServer
	defaults Defaults
	log      *slog.Logger
}

// NewServer creates a new Server. basket may be nil, in which case the
// basket routes answer 503.
func NewServer(cfg config.Server, placer Placer, basket Basket, hub *Hub, health *HealthServer, defaults Defaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		placer:   placer,
		basket:   basket,
		hub:      hub,
		health:   health,
		defaults: defaults,
		log:      log.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/chores", s.handleOpenChores)
	mux.HandleFunc("POST /api/chores", s.handlePlace)
	mux.HandleFunc("POST /api/chores/cancel", s.handleBatchCancel)
	mux.HandleFunc("GET /api/chores/{id}", s.handleChoreStatus)
	mux.HandleFunc("PATCH /api/chores/{id}", s.handleAmend)
	mux.HandleFunc("DELETE /api/chores/{id}", s.handleCancel)
	mux.HandleFunc("GET /api/basket", s.handleBasketList)
	mux.HandleFunc("POST /api/basket", s.handleBasketAdd)
	mux.HandleFunc("PATCH /api/basket/{ref}", s.handleBasketAmend)
	mux.HandleFunc("DELETE /api/basket/{ref}", s.handleBasketCancel)
	mux.HandleFunc("POST /api/killswitch", s.handleKill)
	mux.HandleFunc("DELETE /api/killswitch", s.handleRevoke)
	if s.hub != nil {
		mux.Handle("GET /api/ledger/ws", s.hub)
	}
}

// Handler returns an http.Handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	grpcLn, err := net.Listen("tcp", s.cfg.GRPCAddr())
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("listening on %s: %w", s.cfg.GRPCAddr(), err)
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs both servers on the given listeners until ctx is done.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	httpSrv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	grpcSrv := grpc.NewServer()
	if s.health != nil {
		s.health.RegisterGRPC(grpcSrv)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
		if err := grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.health != nil {
			s.health.Shutdown()
		}
		grpcSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}
