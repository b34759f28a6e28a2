package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/ojs-campaigns/internal/core"
)

// HealthChecker reports whether the durable store answers.
type HealthChecker interface {
	Health(ctx context.Context) (*core.HealthResponse, error)
}

// HealthReporter keeps grpc.health.v1 in step with the store ping.
type HealthReporter struct {
	checker  HealthChecker
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger
}

const healthCheckTimeout = 5 * time.Second

// RegisterHealth registers the standard health service on s and returns the
// reporter that updates it. Both the overall status ("") and ServiceName
// are reported.
func RegisterHealth(s grpc.ServiceRegistrar, checker HealthChecker, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &HealthReporter{checker: checker, server: hs, interval: interval, logger: slog.Default()}
}

// SetLogger sets the logger for status changes.
func (r *HealthReporter) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// Check pings once and publishes the result.
func (r *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if resp, err := r.checker.Health(ctx); err != nil || resp.Status != "ok" {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		r.logger.Warn("health check failed", "error", err)
	}
	r.server.SetServingStatus("", st)
	r.server.SetServingStatus(ServiceName, st)
	return st
}

// Run checks every interval until ctx is done.
func (r *HealthReporter) Run(ctx context.Context) {
	r.Check(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Shutdown marks every service NOT_SERVING so clients drain.
func (r *HealthReporter) Shutdown() {
	r.server.Shutdown()
}
