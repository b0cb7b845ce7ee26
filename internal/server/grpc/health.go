// Package grpcserver serves the standard gRPC health service, driven by
// periodic probes of the storage backends.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kinder2149/paperclip-cloud/internal/metrics"
)

// ServiceName is the health service name reported for the whole API, next to
// the empty overall name.
const ServiceName = "paperclip.cloud.v1.Saves"

// Check is one named backend probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Prober periodically runs checks and publishes the result to a gRPC health
// server and to the backend_up gauge.
type Prober struct {
	hs      *health.Server
	checks  []Check
	log     *zap.Logger
	m       *metrics.Metrics
	timeout time.Duration

	mu   sync.RWMutex
	last error
}

// NewProber constructs a Prober. m may be nil.
func NewProber(hs *health.Server, log *zap.Logger, m *metrics.Metrics, checks ...Check) *Prober {
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{hs: hs, checks: checks, log: log, m: m, timeout: 5 * time.Second}
}

// CheckOnce probes every backend, updates the health status and returns the
// joined failures.
func (p *Prober) CheckOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var failed []error
	for _, c := range p.checks {
		err := c.Probe(ctx)
		p.m.SetBackendUp(c.Name, err == nil)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", c.Name, err))
		}
	}
	err := errors.Join(failed...)

	p.mu.Lock()
	changed := (err == nil) != (p.last == nil)
	p.last = err
	p.mu.Unlock()

	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if p.hs != nil {
		p.hs.SetServingStatus("", st)
		p.hs.SetServingStatus(ServiceName, st)
	}
	if changed {
		if err != nil {
			p.log.Warn("backend unhealthy", zap.Error(err))
		} else {
			p.log.Info("backends healthy")
		}
	}
	return err
}

// Last returns the result of the most recent probe round.
func (p *Prober) Last() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run probes immediately, then every interval until ctx is done. On exit the
// health status is switched to NOT_SERVING so load balancers drain first.
func (p *Prober) Run(ctx context.Context, interval time.Duration) error {
	_ = p.CheckOnce(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if p.hs != nil {
				p.hs.Shutdown()
			}
			return nil
		case <-t.C:
			_ = p.CheckOnce(ctx)
		}
	}
}

// New builds a gRPC server exposing the health service. Reflection is
// registered in dev mode only.
func New(log *zap.Logger, hs *health.Server, dev bool, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	return s
}
