package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	t.Parallel()

	addr, setStatus, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	defer stop()

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		setStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	var (
		mu    sync.Mutex
		lines []string
	)
	logf := func(format string, args ...any) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "", logf); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) < 2 {
		t.Fatalf("log lines = %q, want waiting and serving lines", lines)
	}
	if last := lines[len(lines)-1]; last != "gRPC health check is SERVING" {
		t.Fatalf("last log line = %q", last)
	}
}

func TestWaitForHealthChecksNamedService(t *testing.T) {
	t.Parallel()

	addr, setStatus, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	defer stop()
	setStatus("tripboard.canvas.v1.SnapshotService", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "tripboard.canvas.v1.SnapshotService", nil); err == nil {
		t.Fatal("expected error for not serving service")
	}
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	t.Parallel()

	addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	defer stop()

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := WaitForHealth(ctx, conn, "", nil); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestWaitForHealthRequiresConnection(t *testing.T) {
	t.Parallel()

	if err := WaitForHealth(context.Background(), nil, "", nil); err == nil {
		t.Fatal("expected error for nil connection")
	}
}

func startHealthServer(t *testing.T, status grpc_health_v1.HealthCheckResponse_ServingStatus) (string, func(string, grpc_health_v1.HealthCheckResponse_ServingStatus), func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	grpcServer := gogrpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", status)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	stop := func() {
		grpcServer.Stop()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
		}
	}
	return listener.Addr().String(), healthServer.SetServingStatus, stop
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()

	conn, err := gogrpc.NewClient(addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	return conn
}
