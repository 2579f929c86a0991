package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"github.com/xela07ax/agent-safety-plane/internal/audit"
	"github.com/xela07ax/agent-safety-plane/internal/breaker"
	"github.com/xela07ax/agent-safety-plane/internal/console/server"
	"github.com/xela07ax/agent-safety-plane/internal/domain"
	"github.com/xela07ax/agent-safety-plane/internal/engine"
	"github.com/xela07ax/agent-safety-plane/internal/governance"
	"github.com/xela07ax/agent-safety-plane/internal/infra"
	"github.com/xela07ax/agent-safety-plane/internal/proof"
	"github.com/xela07ax/agent-safety-plane/internal/repository/postgres"
	"github.com/xela07ax/agent-safety-plane/internal/threat"
	"github.com/xela07ax/agent-safety-plane/internal/timelock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: console API, metrics, time-lock sweeper and Redis listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := infra.LoadConfig(path)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 2. Хранилища журнала: Postgres (состояние) и Redis (сигналы)
	var (
		storages audit.MultiStorage
		store    *postgres.Store
		rdb      *redis.Client
	)
	if cfg.Database.URL != "" {
		var err error
		if store, err = postgres.Open(cfg.Database, logger); err != nil {
			return err
		}
		defer store.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		storages = append(storages, store)
	} else {
		logger.Warn("database.url is empty: state is kept in memory only")
	}

	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		storages = append(storages, engine.NewSignalPublisher(rdb, logger))
	}

	journal := audit.NewAgentFS(storages, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		FlushAttempts: cfg.Engine.AuditFlushAttempts,
		FlushDelay:    cfg.Engine.AuditFlushDelay,
		OnDepth:       func(depth int) { metrics.JournalBufferFill.Set(float64(depth)) },
	})
	journal.Start()
	// Stop после остановки всех писателей: финальный flush
	defer journal.Stop()

	// 3. Сервисы ядра
	breakers := breaker.New(breaker.WithAuditor(journal), breaker.WithLogger(logger), breaker.WithStateChange(metrics.ObserveBreaker))
	locks := timelock.New(timelock.WithAuditor(journal), timelock.WithLogger(logger))
	gov := governance.New(governance.WithAuditor(journal), governance.WithLogger(logger))
	threats := threat.New(threat.WithAuditor(journal), threat.WithLogger(logger))

	if store != nil {
		snap, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		breakers.Restore(snap.Breakers)
		locks.Restore(snap.TimeLocks)
		gov.Restore(snap.Proposals, snap.Votes)
		threats.Restore(snap.Patterns, snap.Reports, snap.Feed)
		for _, st := range snap.Breakers {
			metrics.ObserveBreaker(st.AgentID, st.Status, st.Status)
		}
		metrics.ThreatFeedSize.Set(float64(threats.FeedSize()))
	}

	// 4. Сервис доказательств (опционально)
	var prover proof.Provider
	conn, err := proof.Dial(cfg.Proof.Addr)
	switch {
	case errors.Is(err, proof.ErrNotConfigured):
		logger.Info("proof service is not configured: decisions are not attested")
	case err != nil:
		return err
	default:
		defer conn.Close()
		prover = proof.NewReliabilityWrapper(proof.NewGRPCAdapter(conn, cfg.Proof.Timeout), proof.ReliabilityOptions{
			RatePerSecond: cfg.Proof.RatePerSecond,
			Burst:         cfg.Proof.Burst,
			Attempts:      cfg.Proof.Attempts,
			CallTimeout:   cfg.Proof.Timeout,
			MaxFailures:   cfg.Proof.MaxFailures,
			OpenTimeout:   cfg.Proof.OpenTimeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("proof client breaker state changed",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}

	core := engine.NewCore(breakers, locks, gov, threats,
		engine.WithAuditor(journal),
		engine.WithMetrics(metrics),
		engine.WithProver(prover),
		engine.WithLogger(logger),
		engine.WithAnomalyTripScore(cfg.Engine.AnomalyTripScore),
	)

	// 5. Свипер таймлоков
	var dispatcher engine.Dispatcher = engine.DispatcherFunc(func(_ context.Context, tx domain.TimeLockedTransaction) error {
		logger.Info("time-lock ready for execution",
			zap.String("timelock_id", tx.ID), zap.String("agent_id", tx.AgentID), zap.String("type", tx.Type))
		return nil
	})
	if rdb != nil {
		dispatcher = engine.NewRedisDispatcher(rdb)
	}
	sweeper := engine.NewSweeper(locks, dispatcher, cfg.Engine.SweepInterval, metrics, logger)

	// 6. HTTP серверы
	apiSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewConsoleServer(core, cfg.Breaker, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	servers := []*http.Server{apiSrv}
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadTimeout: cfg.Server.ReadTimeout})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error { return sweeper.Run(gctx) })
	if rdb != nil {
		g.Go(func() error {
			core.ListenCommands(gctx, rdb)
			return nil
		})
	}

	// 7. Graceful Shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("control plane stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("control plane exited properly")
	return nil
}
