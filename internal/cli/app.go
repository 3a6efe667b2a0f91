// ============================================================================
// Forge-Dispatch App - 元件組裝
// ============================================================================
//
// Package: internal/cli
// 文件: app.go
// 功能: 依設定組裝整個行程並負責優雅關閉
//
// 組裝順序:
//   1. Metrics Collector
//   2. Job Queue Service（含 WAL/Snapshot 恢復）
//   3. Project Store（memory 或 postgres，可選 redis 快取）
//   4. Processors（simulated 或 gemini）與通知發佈器（log 或 rabbitmq）
//   5. Notification Relay 與 Dead Letter Queue
//   6. Orchestrator
//   7. gRPC 與 Ops HTTP 伺服器
//
// 關閉順序與組裝相反：先停止對外服務，再關閉佇列，最後釋放外部連線。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/forge-dispatch/internal/config"
	"github.com/ChuLiYu/forge-dispatch/internal/deadletter"
	"github.com/ChuLiYu/forge-dispatch/internal/intent"
	"github.com/ChuLiYu/forge-dispatch/internal/jobqueue"
	"github.com/ChuLiYu/forge-dispatch/internal/metrics"
	"github.com/ChuLiYu/forge-dispatch/internal/notify"
	"github.com/ChuLiYu/forge-dispatch/internal/orchestrator"
	"github.com/ChuLiYu/forge-dispatch/internal/processors"
	"github.com/ChuLiYu/forge-dispatch/internal/projectctx"
	"github.com/ChuLiYu/forge-dispatch/internal/server"
	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
)

var errDraining = errors.New("shutting down")

// app is one assembled dispatcher process.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	collector *metrics.Collector
	queue     *jobqueue.Service
	orch      *orchestrator.Orchestrator
	relay     *notify.Relay
	dead      *deadletter.Queue
	server    *server.Server

	draining atomic.Bool
	closers  []func() error
}

// newApp builds every component but starts nothing.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, collector: metrics.NewCollector()}
	defer func() {
		if err != nil {
			a.abort()
		}
	}()

	qcfg := jobqueue.Config{
		Queues:        cfg.Queue.Queues,
		MaxQueued:     cfg.Queue.MaxQueued,
		ShutdownGrace: cfg.Queue.ShutdownGrace,
		PollInterval:  cfg.Queue.PollInterval,
		CleanInterval: cfg.Queue.CleanInterval,
		CleanMaxAge:   cfg.Queue.CleanMaxAge,
	}
	if p := cfg.Persistence; p.Enabled {
		if err := os.MkdirAll(p.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		qcfg.WALPath = p.WALPath()
		qcfg.SnapshotPath = p.SnapshotPath()
		qcfg.SnapshotInterval = p.SnapshotInterval
		qcfg.WALOptions = wal.Options{
			SyncOnAppend:  p.SyncOnAppend,
			BufferSize:    p.BufferSize,
			FlushInterval: p.FlushInterval,
		}
	}
	a.dead = deadletter.New(cfg.DeadLetter, deadletter.WithLogger(log))
	a.queue, err = jobqueue.New(qcfg,
		jobqueue.WithLogger(log),
		jobqueue.WithMetrics(a.collector),
		jobqueue.WithDeadLetter(a.dead),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}

	projects, err := a.projectStore(ctx)
	if err != nil {
		return nil, err
	}

	set, err := a.processorSet(ctx)
	if err != nil {
		return nil, err
	}
	if err := set.RegisterAll(a.queue); err != nil {
		return nil, fmt.Errorf("failed to register processors: %w", err)
	}

	a.relay = notify.NewRelay(a.queue.Bus(), a.queue, log)
	a.orch = orchestrator.New(a.queue, projects, intent.NewRouter(cfg.Router, log), cfg.Orchestrator,
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(a.collector),
		orchestrator.WithDeadLetters(a.dead),
	)
	a.server = server.NewServer(a.orch, a.queue, log)
	return a, nil
}

func (a *app) projectStore(ctx context.Context) (projectctx.Store, error) {
	pc := a.cfg.Projects

	var store projectctx.Store
	switch pc.Driver {
	case "postgres":
		pg, err := projectctx.NewPostgresStore(ctx, pc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open project database: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		store = pg
	default:
		mem, err := projectctx.LoadYAML(pc.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load projects: %w", err)
		}
		a.log.Info("Projects loaded", "file", pc.File, "count", mem.Len())
		store = mem
	}

	if pc.RedisAddr == "" {
		return store, nil
	}
	client := projectctx.NewRedisClient(pc.RedisAddr, pc.RedisPassword, pc.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		a.log.Warn("Redis unreachable, project cache will fall through", "addr", pc.RedisAddr, "error", err)
	}
	a.closers = append(a.closers, client.Close)
	return projectctx.NewCachedStore(store, client, pc.CacheTTL, a.log), nil
}

func (a *app) processorSet(ctx context.Context) (*processors.Set, error) {
	gc := a.cfg.Generator
	assets := processors.NewSimulated(gc.Latency)

	var text processors.TextGenerator
	if gc.Text == "gemini" {
		g, err := processors.NewGemini(ctx, gc.Gemini, a.log)
		if err != nil {
			return nil, fmt.Errorf("failed to create text generator: %w", err)
		}
		text = g
	}

	var publisher notify.Publisher
	switch a.cfg.Notify.Driver {
	case "rabbitmq":
		rp, err := notify.NewRabbitPublisher(a.cfg.Notify.RabbitMQ, a.log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notification broker: %w", err)
		}
		publisher = rp
	default:
		publisher = notify.NewLogPublisher(a.log)
	}
	a.closers = append(a.closers, publisher.Close)

	return processors.NewSet(assets, text, publisher, a.log), nil
}

// health reports unavailable once shutdown has begun.
func (a *app) health() error {
	if a.draining.Load() {
		return errDraining
	}
	return nil
}

// serve starts the queue and listeners and blocks until ctx is done.
func (a *app) serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		a.abort()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	if err := a.queue.Start(); err != nil {
		grpcLis.Close()
		a.abort()
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	relayCtx, stopRelay := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.relay.Run(relayCtx)
	}()
	go func() {
		defer wg.Done()
		a.dead.Run(relayCtx)
	}()

	grpcServer := server.NewGRPCServer(a.server)
	serveErr := make(chan error, 2)
	go func() {
		a.log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	var ops *http.Server
	if a.cfg.Server.HTTPAddr != "" {
		ops = &http.Server{
			Addr:              a.cfg.Server.HTTPAddr,
			Handler:           server.NewOpsRouter(a.orch, a.queue, a.collector, a.health),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.log.Info("Ops server listening", "addr", ops.Addr)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	a.log.Info("System started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-serveErr:
		a.log.Error("Server failed, stopping", "error", runErr)
	}
	a.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	stopGRPC(shutdownCtx, grpcServer)
	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("Ops server shutdown", "error", err)
		}
	}
	if err := a.queue.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Job queue shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}
	stopRelay()
	wg.Wait()
	a.close()

	a.log.Info("System stopped. Goodbye!")
	return runErr
}

// stopGRPC drains in-flight RPCs, forcing a stop when ctx expires.
func stopGRPC(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

// abort releases everything of an app that never served.
func (a *app) abort() {
	if a.queue != nil {
		_ = a.queue.Shutdown(context.Background())
	}
	a.close()
}

// close releases external connections in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}
