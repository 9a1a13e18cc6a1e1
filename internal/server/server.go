// Package server exposes the engine over HTTP (gin) and reports its
// readiness through the standard gRPC health service.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ppiankov/payvault/internal/audit"
	"github.com/ppiankov/payvault/internal/connectivity"
	"github.com/ppiankov/payvault/internal/engine"
	"github.com/ppiankov/payvault/internal/fraud"
	"github.com/ppiankov/payvault/internal/keystore"
	"github.com/ppiankov/payvault/internal/model"
	"github.com/ppiankov/payvault/internal/queue"
	"github.com/ppiankov/payvault/internal/ratelimit"
	"github.com/ppiankov/payvault/internal/state"
)

// HealthService is the service name reported over gRPC health.
// It is SERVING while gateways are reachable.
const HealthService = "payvault.Engine"

const shutdownTimeout = 5 * time.Second

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Process(ctx context.Context, req model.TransactionRequest) (engine.Result, error)
	Authenticate(ctx context.Context, tier state.Tier) (state.SessionState, error)
	Logout(ctx context.Context) state.SessionState
	Session(ctx context.Context) state.SessionState
	AuditHistory(ctx context.Context) ([]model.AuditEntry, audit.LoadReport, error)
	RecentAudit(ctx context.Context, n int) ([]model.AuditEntry, error)
	Transaction(ctx context.Context, id string) (model.Transaction, error)
	Transactions(ctx context.Context, limit int) ([]model.Transaction, error)
	QueueSnapshot(ctx context.Context) ([]queue.Item, error)
	Drain(ctx context.Context) (queue.DrainReport, error)
	SetOnline(online bool) bool
	Online() bool
	Subscribe() (<-chan connectivity.Event, func())
	Device(ctx context.Context) (engine.DeviceStatus, error)
	TrustCurrentDevice(ctx context.Context) error
	KeyContext(ctx context.Context) (keystore.Context, error)
	FraudConfig() fraud.Config
}

// Config holds listener and access settings.
type Config struct {
	Addr     string
	GRPCAddr string
	// Token, when set, is required as a bearer token on every /v1 route.
	Token string
	// RateLimits caps requests per client IP and route category.
	RateLimits ratelimit.Config
}

// Server serves the HTTP API and gRPC health.
type Server struct {
	eng    Engine
	cfg    Config
	logger *slog.Logger

	router  *gin.Engine
	grpc    *grpc.Server
	health  *health.Server
	limiter *ratelimit.Tracker
}

// New creates a Server over eng.
func New(eng Engine, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		eng:    eng,
		cfg:    cfg,
		logger: logger,
		router: gin.New(),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	if cfg.RateLimits.HasLimits() {
		s.limiter = ratelimit.NewTracker(cfg.RateLimits, nil)
	}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.routes()

	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setHealth(eng.Online())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured addresses until ctx is cancelled.
// An empty GRPCAddr disables the health endpoint.
func (s *Server) Serve(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	var grpcLis net.Listener
	if s.cfg.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("server: listen %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	return s.ServeOn(ctx, httpLis, grpcLis)
}

// ServeOn serves on the given listeners. grpcLis may be nil.
func (s *Server) ServeOn(ctx context.Context, httpLis, grpcLis net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http api listening", "addr", httpLis.Addr().String())
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: http: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			s.logger.Info("grpc health listening", "addr", grpcLis.Addr().String())
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("server: grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.watchConnectivity(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.health.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		s.grpc.GracefulStop()
		return err
	})
	return g.Wait()
}

func (s *Server) watchConnectivity(ctx context.Context) {
	events, cancel := s.eng.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.setHealth(ev.Online)
		}
	}
}

func (s *Server) setHealth(online bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(HealthService, status)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken() gin.HandlerFunc {
	want := []byte(s.cfg.Token)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing or invalid API token", Code: "unauthorized"})
			return
		}
		c.Next()
	}
}

// limit enforces the category's request budget per client IP.
func (s *Server) limit(category string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		r := s.limiter.Allow(c.ClientIP(), category)
		if r.Exceeded {
			secs := int(r.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			s.logger.Warn("rate limit exceeded", "category", category, "client", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: r.Reason, Code: "rate_limited"})
			return
		}
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
