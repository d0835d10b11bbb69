package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/runnerd/internal/config"
	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/docker"
	"github.com/dontdude/runnerd/internal/platform/rpc"
	"github.com/dontdude/runnerd/internal/platform/sentry"
	"github.com/dontdude/runnerd/internal/runner"
)

var version = "dev"

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "runnerd-worker",
		Short:         "Runner: executes submitted programs in Docker sandboxes",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(configPath)
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
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Worker) error {
	// 1. Initialize logger and error reporting
	config.NewLogger(cfg.LogLevel)
	if err := sentry.Initialize(sentry.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     version,
		Component:   "worker",
	}); err != nil {
		slog.Warn("Sentry disabled", "error", err)
	}
	defer sentry.Flush(2 * time.Second)
	slog.Info("Starting runnerd worker", "host", cfg.AdvertiseHost, "port", cfg.AdvertisePort)

	// 2. Initialize Docker client
	// This will panic if Docker is not available (Fail-Fast)
	langs, err := cfg.ParsedLanguages()
	if err != nil {
		return err
	}
	runtimes := enabledRuntimes(langs)
	sandbox := docker.NewClient(runtimes, docker.Limits{
		MemoryBytes: cfg.MemoryMB * 1024 * 1024,
		NanoCPUs:    int64(cfg.CPUs * 1e9),
		PidsLimit:   cfg.PidsLimit,
	})
	defer sandbox.Close()

	if cfg.PullImages {
		if err := sandbox.EnsureImages(ctx); err != nil {
			sentry.CaptureError(err, map[string]string{"kind": "image_pull"})
			return err
		}
	}

	// 3. Serve the execution service; the listener must be up before
	// registering because the controller dials back.
	svc := runner.NewService(sandbox, runner.Options{
		Host:        cfg.AdvertiseHost,
		Timeout:     cfg.ExecuteTimeout,
		Concurrency: cfg.Concurrency,
		Languages:   langs,
	})
	server, err := rpc.NewRunnerServer(svc)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.Serve(ctx, ln, server)
	})

	// 4. Join the cluster and stay a member
	membership := runner.NewMembership(func(ctx context.Context) (runner.ControllerConn, error) {
		return rpc.DialController(ctx, cfg.ControllerAddr)
	}, cfg.AdvertiseHost, cfg.AdvertisePort, cfg.Backoff(), cfg.MembershipInterval)

	g.Go(func() error {
		id, err := membership.Join(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		slog.Info("Runner ready", "nodeID", id, "controller", cfg.ControllerAddr)
		return membership.Maintain(ctx)
	})

	err = g.Wait()
	slog.Info("Worker stopped")
	return err
}

func enabledRuntimes(langs []domain.Language) map[domain.Language]docker.Runtime {
	all := docker.DefaultRuntimes()
	out := make(map[domain.Language]docker.Runtime, len(langs))
	for _, l := range langs {
		if rt, ok := all[l]; ok {
			out[l] = rt
		}
	}
	return out
}
