// Command paperclip-server serves the PaperClip cloud save API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"

	"github.com/kinder2149/paperclip-cloud/internal/config"
	"github.com/kinder2149/paperclip-cloud/internal/limiter"
	"github.com/kinder2149/paperclip-cloud/internal/metrics"
	"github.com/kinder2149/paperclip-cloud/internal/migrate"
	"github.com/kinder2149/paperclip-cloud/internal/repository"
	"github.com/kinder2149/paperclip-cloud/internal/repository/filestore"
	"github.com/kinder2149/paperclip-cloud/internal/repository/postgres"
	"github.com/kinder2149/paperclip-cloud/internal/repository/redisstore"
	"github.com/kinder2149/paperclip-cloud/internal/repository/sqlite"
	grpcserver "github.com/kinder2149/paperclip-cloud/internal/server/grpc"
	httpserver "github.com/kinder2149/paperclip-cloud/internal/server/http"
	"github.com/kinder2149/paperclip-cloud/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("saves", cfg.SaveBackend),
		zap.String("identity", cfg.IdentityBackend),
		zap.String("limiter", cfg.LimiterBackend),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// backends holds the opened storage handles and their closers.
type backends struct {
	saves    repository.SaveStore
	identity repository.IdentityRepository
	lim      limiter.Limiter
	checks   []grpcserver.Check
	closers  []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}
	var (
		pg  *postgres.DB
		rdb *redis.Client
	)

	if cfg.NeedsPostgres() {
		if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate up: %w", err)
		}
		log.Info("postgres migrations applied")
		var err error
		pg, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
	}
	if cfg.NeedsRedis() {
		var err error
		rdb, err = redisstore.Dial(ctx, cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
	}

	switch cfg.SaveBackend {
	case config.BackendPostgres:
		b.saves = postgres.NewSaveStore(pg)
	case config.BackendRedis:
		b.saves = redisstore.New(rdb)
	default:
		fs, err := filestore.New(cfg.StorageDir)
		if err != nil {
			b.close()
			return nil, err
		}
		b.saves = fs
	}

	switch cfg.IdentityBackend {
	case config.BackendPostgres:
		b.identity = postgres.NewIdentityRepo(pg)
	default:
		db, err := sqlite.Open(ctx, cfg.IdentityDBPath)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.identity = sqlite.NewIdentityRepo(db)
	}

	switch cfg.LimiterBackend {
	case config.BackendPostgres:
		b.lim = limiter.NewPG(pg.Pool, cfg.LimiterPolicy())
	case config.BackendRedis:
		b.lim = limiter.NewRedis(rdb, cfg.LimiterPolicy())
	default:
		b.lim = limiter.Noop{}
	}

	b.checks = []grpcserver.Check{
		{Name: "saves", Probe: b.saves.Ping},
		{Name: "identity", Probe: b.identity.Ping},
	}
	return b, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Services
	ids := service.NewIdentityResolver(b.identity, log)
	tokens := service.NewTokenService(service.TokenOptions{
		Secret:          []byte(cfg.Secret),
		TTL:             cfg.TokenTTL,
		Policy:          cfg.LegacyPolicy,
		DefaultProvider: cfg.DefaultProvider,
	}, ids, log)
	auth := service.NewAuthService(ids, tokens, b.lim, service.AuthOptions{
		AllowLegacyLogin: cfg.AllowLegacyLogin,
		DefaultProvider:  cfg.DefaultProvider,
	}, log, m)
	saves := service.NewSaveService(b.saves, service.SaveOptions{
		MaxSnapshotBytes:         cfg.MaxSnapshotBytes,
		SchemaVersion:            cfg.SchemaVersion,
		GameModes:                cfg.GameModes,
		RequireConditionalWrites: cfg.RequireConditionalWrites,
	}, log, m)

	hs := health.NewServer()
	prober := grpcserver.NewProber(hs, log, m, b.checks...)

	api := httpserver.New(httpserver.Deps{
		Auth:     auth,
		Saves:    saves,
		Tokens:   tokens,
		Log:      log,
		Metrics:  m,
		Gatherer: reg,
		Ready:    prober.CheckOnce,
		// room for the metadata envelope around a maximal snapshot
		MaxBodyBytes: int64(cfg.MaxSnapshotBytes)*2 + 64<<10,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	var lis net.Listener
	if cfg.GRPCAddr != "" {
		if lis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return prober.Run(gctx, cfg.ProbeInterval) })

	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if lis != nil {
		gs := grpcserver.New(log, hs, cfg.Dev)
		g.Go(func() error {
			log.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			done := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(cfg.ShutdownTimeout):
				gs.Stop()
			}
			return nil
		})
	}

	return g.Wait()
}
