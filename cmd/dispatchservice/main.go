package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/taxidispatch/internal/config"
	"github.com/example/taxidispatch/internal/dispatch/domain"
	"github.com/example/taxidispatch/internal/dispatch/handler"
	"github.com/example/taxidispatch/internal/dispatch/matching"
	"github.com/example/taxidispatch/internal/dispatch/seed"
	"github.com/example/taxidispatch/internal/dispatch/store"
	ratelimitmw "github.com/example/taxidispatch/internal/http/middleware"
	"github.com/example/taxidispatch/internal/location"
	"github.com/example/taxidispatch/pkg/events"
	"github.com/example/taxidispatch/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogger("dispatch-service", "info").Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger("dispatch-service", cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service", nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	taxis, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var publisher domain.EventPublisher
	if natsConn != nil {
		outbox := events.NewOutbox(events.NewNATSPublisher(natsConn, cfg.EventsSubject), logger, events.OutboxConfig{})
		go func() {
			if err := outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("event outbox stopped", zap.Error(err))
			}
		}()
		publisher = outbox
	} else {
		logger.Warn("event publishing disabled")
	}

	finder, err := matching.NewFinder(taxis, cfg.StoreCallTimeout)
	if err != nil {
		logger.Fatal("build finder", zap.Error(err))
	}
	coordinator, err := matching.NewCoordinator(finder, taxis, publisher, logger, matching.CoordinatorConfig{
		AverageSpeedKMH: cfg.AverageSpeedKMH,
		CallTimeout:     cfg.StoreCallTimeout,
	})
	if err != nil {
		logger.Fatal("build coordinator", zap.Error(err))
	}
	seeder, err := seed.NewSeeder(taxis, logger)
	if err != nil {
		logger.Fatal("build seeder", zap.Error(err))
	}

	if cfg.SeedOnStart {
		if err := seedFleet(ctx, seeder, cfg.SeedPath); err != nil {
			logger.Fatal("seed fleet", zap.Error(err))
		}
	}

	opts := []handler.Option{
		handler.WithDefaultRadius(cfg.DefaultRadiusMeters),
		handler.WithDefaultFleet(seed.DefaultFleet()),
		handler.WithLogger(logger.Named("http")),
	}
	if cfg.RedisAddr != "" && cfg.DispatchRatePerMinute > 0 {
		limiterClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer limiterClient.Close()
		limiter := ratelimitmw.NewRateLimiter(limiterClient, "dispatch", ratelimitmw.RateConfig{
			PerMinute: float64(cfg.DispatchRatePerMinute),
		})
		opts = append(opts, handler.WithDispatchLimiter(limiter.Middleware))
	}

	r := chi.NewRouter()
	r.Mount("/", handler.NewHTTP(coordinator, seeder, opts...).Router())
	r.Mount("/observability", observability.MetricsRouter(map[string]observability.HealthCheck{
		"store": storeHealth(taxis),
	}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	grpcSrv := grpc.NewServer()
	location.RegisterLocationServer(grpcSrv, location.NewServer(location.NewTracker(taxis, cfg.StoreCallTimeout), logger))
	go runGRPC(logger, grpcSrv, cfg.GRPCAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = srv.Shutdown(shutdownCtx)
}

func runGRPC(logger *zap.Logger, srv *grpc.Server, addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	logger.Info("location grpc listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("grpc serve", zap.Error(err))
	}
}

func seedFleet(ctx context.Context, seeder *seed.Seeder, path string) error {
	specs := seed.DefaultFleet()
	if path != "" {
		loaded, err := seed.LoadSpecs(path)
		if err != nil {
			return err
		}
		specs = loaded
	}
	_, err := seeder.Seed(ctx, specs)
	return err
}

// storeHealth probes the store with a lookup that is expected to miss.
func storeHealth(taxis domain.Store) observability.HealthCheck {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := taxis.Get(ctx, "healthz")
		if err == nil || errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
}
