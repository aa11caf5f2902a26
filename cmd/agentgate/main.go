// Package main is the entry point for the AgentGate orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/agentvendor"
	"github.com/agentgate/agentgate/internal/common/config"
	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/internal/events/bus"
	"github.com/agentgate/agentgate/internal/executor"
	"github.com/agentgate/agentgate/internal/observability"
	"github.com/agentgate/agentgate/internal/process"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/run"
	"github.com/agentgate/agentgate/internal/runloop"
	"github.com/agentgate/agentgate/internal/workorder"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting AgentGate orchestrator")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Persisted-state stores
	woStore, err := workorder.NewStore(cfg.Data.Dir)
	if err != nil {
		log.Fatal("failed to open work-order store", zap.Error(err))
	}
	runStore, err := run.NewStore(cfg.Data.Dir)
	if err != nil {
		log.Fatal("failed to open run store", zap.Error(err))
	}

	// 5. In-process event bus (no external broker: single-process orchestrator)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	// 6. Queue, restored from its last snapshot if one exists. Restore
	// always discards the persisted running set; any
	// work order still marked running on disk is re-admitted below as a
	// fresh attempt rather than a resumed one.
	q := queue.New(queue.Config{
		MaxConcurrent: cfg.Scheduling.MaxConcurrentRuns,
	}, eventBus, log)
	if q.Restore(cfg.Data.Dir) {
		log.Info("restored queue snapshot")
	}
	reconcileInterruptedRunning(woStore, q, log)
	q.StartWatchdogs(ctx)

	// 7. Process manager, watching for stale/leaked subprocesses
	procs := process.NewManager(log, eventBus)
	procs.StartMonitoring(30*time.Second, cfg.Run.DefaultTimeout()*2)
	defer procs.StopMonitoring()

	// 8. Streaming executor over the process manager
	exec := executor.New(procs, log)

	// 9. Observability (Prometheus counters/histogram + audit trail + health)
	obs := observability.New(prometheus.DefaultRegisterer)
	obs.SetHealthSampler(func() (active, available, pending int) {
		stats := q.GetStats()
		return stats.Running, cfg.Scheduling.MaxConcurrentRuns - stats.Running, 0
	})
	if err := obs.SubscribeAudit(eventBus); err != nil {
		log.Error("failed to subscribe observability to the event bus", zap.Error(err))
	}

	// 10. Work-order service: validates transitions and persists status
	svc := workorder.NewService(woStore, q, procs, obs, log)

	// 11. Run loop: dequeues admitted work orders, launches the resolved
	// agent command under the streaming executor, and records the outcome.
	// The default vendor resolves agent kinds to PATH binaries; real vendor
	// integrations are a collaborator concern outside this orchestrator.
	vendor := agentvendor.NewPathVendor()
	loop := runloop.New(q, woStore, svc, runStore, exec, vendor, retry.DefaultConfig(), obs, log)

	log.Info("AgentGate orchestrator ready")

	// 12. Minimal diagnostics server: health + Prometheus metrics only.
	// The HTTP/WebSocket submission API is out of scope.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		report := obs.Health()
		status := http.StatusOK
		if report.Status == observability.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	port := cfg.Server.Port
	if port == 0 {
		port = 3001
	}
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	// 13. Supervise the run loop and the diagnostics server under one
	// errgroup: either returning an error (or ctx canceling) tears both down.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		log.Info("diagnostics server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		return nil
	})

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down AgentGate orchestrator")

	// 15. Graceful shutdown, in dependency order
	cancel()
	q.StopWatchdogs()
	q.Persist(cfg.Data.Dir)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("diagnostics server shutdown error", zap.Error(err))
	}

	if err := g.Wait(); err != nil {
		log.Error("supervised goroutine returned an error", zap.Error(err))
	}
	loop.Wait()

	log.Info("AgentGate orchestrator stopped")
}

// reconcileInterruptedRunning re-admits every work order left in the
// running status by a prior process's crash. The queue's own restore
// already discarded its running set rather than trusting that an
// in-flight subprocess survived the restart; this scans the work-order
// store directly and re-enqueues each one as a brand new attempt. The
// store write bypasses the normal state-machine transition check
// (running -> queued is not itself a legal runtime transition) since
// this is startup crash recovery, not a live transition.
func reconcileInterruptedRunning(store *workorder.Store, q *queue.Queue, log *logger.Logger) {
	for _, wo := range store.List() {
		if wo.Status != workorder.StatusRunning {
			continue
		}
		wo.Status = workorder.StatusQueued
		wo.RunID = nil
		if err := store.Update(wo); err != nil {
			log.Error("failed to reconcile interrupted work order", zap.String("work_order_id", wo.ID), zap.Error(err))
			continue
		}
		result := q.Enqueue(wo.ID, queue.EnqueueOptions{})
		if !result.Accepted {
			log.Error("failed to re-admit interrupted work order", zap.String("work_order_id", wo.ID), zap.Error(result.Err))
			continue
		}
		log.Warn("re-admitted interrupted work order as a fresh attempt", zap.String("work_order_id", wo.ID))
	}
}
