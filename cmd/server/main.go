package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledger-opqueue/internal/api"
	"ledger-opqueue/internal/archive"
	"ledger-opqueue/internal/config"
	"ledger-opqueue/internal/deadletter"
	"ledger-opqueue/internal/ledger"
	"ledger-opqueue/internal/logging"
	"ledger-opqueue/internal/opqueue"
	"ledger-opqueue/internal/ratelimit"
	"ledger-opqueue/internal/store"
	"ledger-opqueue/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "opqueue: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := opqueue.New(cfg.Queue(), opqueue.WithLogger(log))
	q.Subscribe(telemetry.NewRecorder(q))

	apiOpts := []api.Option{api.WithLogger(log), api.WithRetention(cfg.CompletedRetention)}

	var sink *store.AuditSink
	var mirror *deadletter.RedisMirror
	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		sink = store.NewAuditSink(st, log, 1024)
		q.Subscribe(sink)
		apiOpts = append(apiOpts, api.WithAudit(st), api.WithHistory(st))
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		mirror = deadletter.NewRedisMirror(rdb, cfg.DLQName, log, 1024)
		q.Subscribe(mirror)
		apiOpts = append(apiOpts, api.WithDeadLetterMirror(mirror))
		apiOpts = append(apiOpts, api.WithLimiter(ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}

	arch, err := archive.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	q.Subscribe(arch)

	processor := ledger.NewProcessor(ledger.NewHTTPGateway(cfg.LedgerRPCURL, cfg.LedgerRPCTimeout), log)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(q, apiOpts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("drain loop started",
			zap.Int("max_attempts", q.Config().MaxAttempts),
			zap.Duration("processing_timeout", q.Config().ProcessingTimeout),
		)
		if err := q.Run(gctx, processor); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		pruneLoop(gctx, q, cfg.PruneInterval, cfg.CompletedRetention, log)
		return nil
	})
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
		if err := q.Shutdown(shutdownCtx); err != nil {
			log.Warn("queue shutdown incomplete", zap.Error(err))
		}
		_ = metricsServer.Shutdown(shutdownCtx)
		if sink != nil {
			if err := sink.Close(shutdownCtx); err != nil {
				log.Warn("audit sink flush incomplete", zap.Error(err))
			}
		}
		if mirror != nil {
			if err := mirror.Close(shutdownCtx); err != nil {
				log.Warn("dead letter mirror flush incomplete", zap.Error(err))
			}
		}
		if err := arch.Wait(shutdownCtx); err != nil {
			log.Warn("receipt uploads incomplete", zap.Error(err))
		}
		stats := q.Stats()
		log.Info("stopped",
			zap.Int("pending", stats.Pending),
			zap.Int("dead", stats.Dead),
		)
		return nil
	})
	return g.Wait()
}

func pruneLoop(ctx context.Context, q *opqueue.Queue, every, retention time.Duration, log *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.PruneCompleted(retention); n > 0 {
				log.Info("pruned completed jobs", zap.Int("count", n))
			}
		}
	}
}
