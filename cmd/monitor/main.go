package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tourist-safety/monitor/internal/alert"
	"tourist-safety/monitor/internal/anomaly"
	"tourist-safety/monitor/internal/auth"
	"tourist-safety/monitor/internal/clock"
	"tourist-safety/monitor/internal/config"
	"tourist-safety/monitor/internal/engine"
	"tourist-safety/monitor/internal/logger"
	"tourist-safety/monitor/internal/metrics"
	"tourist-safety/monitor/internal/notify"
	"tourist-safety/monitor/internal/pipeline"
	"tourist-safety/monitor/internal/scheduler"
	"tourist-safety/monitor/internal/session"
	"tourist-safety/monitor/internal/store"
	opshttp "tourist-safety/monitor/internal/transport/http"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("monitor terminated", zap.Error(err))
		os.Exit(1)
	}
	log.Info("monitor stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	checks := map[string]opshttp.Pinger{}

	// Persistence
	var st store.Store
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		checks["postgres"] = pg
		log.Info("postgres store ready", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))
	case "memory":
		st = store.NewMemory()
		log.Warn("using in-memory store; data is lost on restart")
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	// Position cache, notification transport and device keys
	var (
		positions store.PositionCache
		publisher notify.Publisher = notify.LogPublisher{Log: log}
		keys      auth.DeviceKeys
	)
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedisStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = rs.Close() }()
		positions, publisher, keys = rs, rs, rs
		checks["redis"] = rs
		log.Info("redis ready", zap.String("addr", cfg.RedisAddr))
	} else {
		positions = store.NewLocalPositions(time.Duration(cfg.PositionTTLHours) * time.Hour)
		log.Warn("REDIS_ADDR not set; positions cached in process and notifications only logged")
	}

	clk := clock.System{}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, publisher, log)

	sessions := session.NewManager(st, clk, log, session.WithInactivityDefault(cfg.InactivityDefaultMin))
	alerts := alert.NewManager(st, sessions, dispatcher, clk, log, alert.WithEscalateAfter(cfg.EscalateAfterMin))
	detector := anomaly.NewDetector(st, st, st, dispatcher, clk, anomaly.ThresholdsFromConfig(cfg), log)
	pipe := pipeline.New(sessions, st, positions, detector, clk, pipeline.LimitsFromConfig(cfg), log)

	sched, err := scheduler.New(cfg, scheduler.Deps{
		Sessions:  st,
		Alerts:    st,
		Expirer:   sessions,
		Detector:  detector,
		Escalator: alerts,
		Clock:     clk,
	}, log)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Components{
		Sessions:      sessions,
		Alerts:        alerts,
		Pipeline:      pipe,
		Scheduler:     sched,
		Positions:     positions,
		Authenticator: auth.NewAuthenticator(cfg, keys),
	}, log)

	// Background workers
	var wg sync.WaitGroup
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(dispatchCtx)
	}()

	sched.Start()

	ops := opshttp.NewOps(eng, checks, metrics.Handler(), log)
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           ops.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info("ops server listening", zap.String("addr", cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-srvErr:
	}

	// Shutdown: stop timers and wait for sweeps, then drain notifications.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop", zap.Error(err))
	}
	stopDispatch()
	wg.Wait()
	log.Info("notifications drained", zap.Int64("dropped", dispatcher.Dropped()))

	return runErr
}
