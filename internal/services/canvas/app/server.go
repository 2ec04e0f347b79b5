// Package server wires the canvas sync service: the websocket gateway, the
// snapshot gRPC API, and the backing update log.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tripboard/tripboard/internal/platform/telemetry/metrics"
	"github.com/tripboard/tripboard/internal/platform/timeouts"
	"github.com/tripboard/tripboard/internal/services/canvas/broadcast"
	"github.com/tripboard/tripboard/internal/services/canvas/crdt"
	"github.com/tripboard/tripboard/internal/services/canvas/gateway"
	"github.com/tripboard/tripboard/internal/services/canvas/registry"
	"github.com/tripboard/tripboard/internal/services/canvas/snapshot"
	"github.com/tripboard/tripboard/internal/services/canvas/storage"
	"github.com/tripboard/tripboard/internal/services/canvas/storage/postgres"
	"github.com/tripboard/tripboard/internal/services/canvas/storage/sqlite"
)

const (
	// StoreSQLite keeps the update log in a local SQLite file.
	StoreSQLite = "sqlite"
	// StorePostgres keeps the update log in PostgreSQL.
	StorePostgres = "postgres"
)

// Config holds canvas server settings.
type Config struct {
	HTTPAddr string
	// GRPCAddr disables the snapshot API when empty.
	GRPCAddr string

	Store       string
	DBPath      string
	DatabaseURL string

	// RedisAddr enables cross-instance fan-out when set.
	RedisAddr          string
	RedisChannelPrefix string

	EvictionGrace         time.Duration
	AppendRetryMaxElapsed time.Duration
	ReadHeaderTimeout     time.Duration
	ShutdownTimeout       time.Duration
}

// Server hosts the canvas websocket and snapshot endpoints.
type Server struct {
	httpListener net.Listener
	httpServer   *http.Server
	transport    *transport

	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server

	store       storage.UpdateLogStore
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	redis       *redis.Client

	shutdownTimeout time.Duration
}

// NewServer opens the update log and listeners described by cfg.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.EvictionGrace < 0 {
		return nil, fmt.Errorf("eviction grace must not be negative: %s", cfg.EvictionGrace)
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	engine := crdt.CanvasEngine{}
	store, err := openStore(ctx, cfg, engine)
	if err != nil {
		return nil, err
	}

	s := &Server{store: store, shutdownTimeout: cfg.ShutdownTimeout}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	canvasMetrics := metrics.NewCanvas(nil)
	reg, err := registry.New(engine, store, registry.Options{
		EvictionGrace:         cfg.EvictionGrace,
		AppendRetryMaxElapsed: cfg.AppendRetryMaxElapsed,
		Metrics:               canvasMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.registry = reg

	groups := broadcast.NewGroups()
	s.broadcaster = broadcast.NewBroadcaster()
	s.broadcaster.Bind(groups)
	gw := gateway.New(reg, s.broadcaster, groups, canvasMetrics)

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := openRedis(ctx, addr)
		if err != nil {
			return nil, err
		}
		s.redis = client
		s.broadcaster.UseRelay(broadcast.NewRedisRelay(client, cfg.RedisChannelPrefix), gw.HandleRemote)
	}

	s.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	s.transport = newTransport(gw)
	s.httpServer = &http.Server{
		Handler:           s.transport,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	if addr := strings.TrimSpace(cfg.GRPCAddr); addr != "" {
		s.grpcListener, err = net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		snapshot.Register(s.grpcServer, snapshot.NewService(reg))
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(snapshot.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	}

	ok = true
	return s, nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC listener address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a canvas server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the HTTP and gRPC servers and the broadcast relay until ctx
// ends, then drains connections and pending appends.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()

	serveErr := make(chan error, 3)
	log.Printf("canvas server listening at %v", s.httpListener.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(s.httpListener)
	}()
	if s.grpcServer != nil {
		log.Printf("canvas gRPC listening at %v", s.grpcListener.Addr())
		go func() {
			serveErr <- s.grpcServer.Serve(s.grpcListener)
		}()
	}
	go func() {
		if err := s.broadcaster.Run(relayCtx); err != nil {
			serveErr <- fmt.Errorf("broadcast relay: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
			runErr = fmt.Errorf("serve canvas: %w", err)
		}
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if s.health != nil {
		s.health.Shutdown()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("canvas: shutdown http: %v", err)
	}
	if err := s.transport.closeAll(shutdownCtx); err != nil {
		log.Printf("canvas: close websocket connections: %v", err)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if err := s.registry.Close(shutdownCtx); err != nil {
		return fmt.Errorf("flush canvas updates: %w", err)
	}
	return nil
}

// Close releases server resources. It is safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		if err := s.registry.Close(ctx); err != nil {
			log.Printf("canvas: close registry: %v", err)
		}
		cancel()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("canvas: close redis: %v", err)
		}
		s.redis = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("canvas: close store: %v", err)
		}
		s.store = nil
	}
}

func openStore(ctx context.Context, cfg Config, engine crdt.Engine) (storage.UpdateLogStore, error) {
	switch strings.TrimSpace(cfg.Store) {
	case "", StoreSQLite:
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			return nil, errors.New("sqlite db path is required")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := sqlite.Open(path, engine)
		if err != nil {
			return nil, fmt.Errorf("open canvas store: %w", err)
		}
		return store, nil
	case StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("database url is required for the postgres store")
		}
		store, err := postgres.Open(ctx, cfg.DatabaseURL, engine)
		if err != nil {
			return nil, fmt.Errorf("open canvas store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown canvas store %q", cfg.Store)
	}
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOpen)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}
