package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthCallTimeout     = time.Second
	healthInitialInterval = 200 * time.Millisecond
	healthMaxInterval     = time.Second
)

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	check := func() (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
		callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
		defer cancel()
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
		}
		if response.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return response.GetStatus(), fmt.Errorf("status %s", response.GetStatus().String())
		}
		return response.GetStatus(), nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = healthInitialInterval
	policy.MaxInterval = healthMaxInterval

	_, err := backoff.Retry(ctx, check,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	if logf != nil {
		logf("gRPC health check is SERVING")
	}
	return nil
}
