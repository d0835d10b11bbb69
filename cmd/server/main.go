package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/runnerd/internal/cluster"
	"github.com/dontdude/runnerd/internal/config"
	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/frontend"
	"github.com/dontdude/runnerd/internal/platform/queue"
	"github.com/dontdude/runnerd/internal/platform/rpc"
	"github.com/dontdude/runnerd/internal/platform/sentry"
	"github.com/dontdude/runnerd/internal/platform/web"
	"github.com/dontdude/runnerd/internal/worker"
)

var version = "dev"

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "runnerd-server",
		Short:         "Front-end: runner registry, dispatcher and HTTP API",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Server) error {
	// 1. Initialize logger and error reporting
	config.NewLogger(cfg.LogLevel)
	if err := sentry.Initialize(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
		Component:   "server",
	}); err != nil {
		slog.Warn("Sentry disabled", "error", err)
	}
	defer sentry.Flush(2 * time.Second)

	g, ctx := errgroup.WithContext(ctx)

	// 2. Pick runners: the embedded controller's pool, or one fixed runner
	var (
		picker frontend.Picker
		nodes  frontend.NodeLister
	)
	switch cfg.Mode {
	case config.ModeDirect:
		static, err := dialDirect(ctx, cfg)
		if err != nil {
			return err
		}
		defer static.Close()
		picker, nodes = static, static
	default:
		pool, err := startController(ctx, g, cfg)
		if err != nil {
			return err
		}
		picker, nodes = pool, pool
	}

	// 3. Rate limiter: per client token bucket
	limiter := web.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	g.Go(func() error {
		limiter.RunCleanup(ctx)
		return nil
	})

	api := &frontend.API{
		Executor: frontend.NewExecutor(picker, sentry.Reporter{}),
		Nodes:    nodes,
		Limiter:  limiter,
	}

	// 4. Async path, only with Redis
	if cfg.RedisAddr != "" {
		q, err := queue.NewRedisQueue(ctx, queue.Options{Addr: cfg.RedisAddr})
		if err != nil {
			return err
		}
		defer q.Close()
		hub := web.NewHub()
		api.Queue, api.Hub = q, hub

		if err := startAsync(ctx, g, cfg, q, hub, api.Executor); err != nil {
			return err
		}
	}

	// 5. HTTP
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("API server starting", "addr", cfg.HTTPAddr, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	slog.Info("Server stopped")
	return err
}

// startController serves runner registration and keeps the pool healthy.
func startController(ctx context.Context, g *errgroup.Group, cfg *config.Server) (*cluster.Pool, error) {
	pool := cluster.NewPool()
	dial := func(ctx context.Context, addr string) (domain.Runner, error) {
		return rpc.DialRunner(ctx, addr)
	}
	ctrl := cluster.NewController(pool, dial, cfg.DialTimeout)

	server, err := rpc.NewControllerServer(ctrl)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.ControllerAddr)
	if err != nil {
		return nil, fmt.Errorf("controller listen on %s: %w", cfg.ControllerAddr, err)
	}

	g.Go(func() error {
		defer pool.Close()
		return rpc.Serve(ctx, ln, server)
	})

	health := cluster.NewHealthChecker(pool, cfg.HealthInterval, cfg.HealthTimeout, cfg.MaxMissedHeartbeats)
	g.Go(func() error {
		health.Run(ctx)
		return nil
	})
	return pool, nil
}

func dialDirect(ctx context.Context, cfg *config.Server) (*frontend.Static, error) {
	host, port, err := net.SplitHostPort(cfg.RunnerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid runner_addr %q: %w", cfg.RunnerAddr, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := rpc.DialRunner(dialCtx, cfg.RunnerAddr)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to runner", "addr", cfg.RunnerAddr)
	return frontend.NewStatic(host, port, conn), nil
}

// startAsync wires queued submissions: consume -> execute -> broadcast -> ack,
// plus result fan-out to websocket clients and stale job recovery.
func startAsync(ctx context.Context, g *errgroup.Group, cfg *config.Server, q *queue.RedisQueue, hub *web.Hub, exec *frontend.Executor) error {
	results, err := q.SubscribeLogs(ctx)
	if err != nil {
		return err
	}
	g.Go(func() error {
		hub.Forward(ctx, results)
		return nil
	})

	jobs, err := q.Subscribe(ctx)
	if err != nil {
		return err
	}
	workers := worker.NewPool(cfg.DispatchWorkers, exec, q, cfg.RequestTimeout)
	workers.Start()
	g.Go(func() error {
		workers.Consume(ctx, jobs)
		workers.Stop()
		return nil
	})

	g.Go(func() error {
		q.StartRecoveryRoutine(ctx, cfg.RecoveryInterval, cfg.RecoveryMaxAge)
		return nil
	})
	return nil
}
