package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"medshare.org/internal/auth"
	"medshare.org/internal/cache"
	"medshare.org/internal/config"
	"medshare.org/internal/consent"
	"medshare.org/internal/events"
	"medshare.org/internal/httpapi"
	"medshare.org/internal/jobs"
	"medshare.org/internal/obs"
	"medshare.org/internal/store/pg"
	"medshare.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	if err := run(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "medshare-api: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer obs.SetLogger(logger)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(ctx, obs.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		store  auth.Store
		grants consent.GrantStore
		db     *sql.DB
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpen,
			MaxIdleConns:    cfg.Postgres.MaxIdle,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pgStore.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		store, grants, db = pgStore, pgStore.Grants(), pgStore.DB()
	} else {
		logger.Warn("postgres dsn not set, using in-memory stores")
		store, grants = auth.NewInMemory(), consent.NewInMemoryGrants()
	}

	var directory auth.Directory = store.Users(ctx)
	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		directory = cache.NewDirectory(directory, rdb, cfg.Redis.DirectoryTTL)
		logger.Info("directory cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	tokens, err := auth.NewService(store,
		auth.WithSecret(cfg.Auth.Secret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithDirectory(directory),
	)
	if err != nil {
		return err
	}

	hub := stream.New()
	sinks := consent.EventSinks{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			WriteTimeout:    cfg.Kafka.WriteTimeout,
			BreakerFailures: cfg.Kafka.BreakerFailures,
			BreakerCooldown: cfg.Kafka.BreakerCooldown,
		}, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	manager := consent.NewManager(grants, directory,
		consent.WithEventSink(sinks),
		consent.WithManagerLogger(logger),
	)
	engine := consent.NewEngine(grants, directory, consent.WithEngineLogger(logger))

	scheduler := jobs.NewScheduler(tokens, cfg.Jobs.RefreshPurgeSchedule, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop(cfg.HTTP.ShutdownTimeout)

	ready := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Deps{
		Tokens:    tokens,
		Grants:    manager,
		Decisions: engine,
		Stream:    hub,
		Ready:     ready,
		Version:   version,
		Logger:    logger,
	},
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
	)

	// WriteTimeout stays zero by default so /share/events can stream.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(httpapi.UnaryLogging(logger)))
	httpapi.NewGRPCServer(ready, logger).Register(gs)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gs.GracefulStop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("stopped")
	return serveErr
}
