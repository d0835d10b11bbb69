package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/runnerd/internal/config"
)

// options shared by every subcommand.
type options struct {
	runnerAddr     string
	controllerAddr string
	redisAddr      string
	timeout        time.Duration
	logLevel       string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "runnerd",
		Short:         "Operator CLI for runners, the controller and the job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.NewLogger(opts.logLevel)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.runnerAddr, "runner", envOr("RUNNERD_RUNNER_ADDR", "localhost:50051"), "runner RPC address")
	flags.StringVar(&opts.controllerAddr, "controller", envOr("RUNNERD_CONTROLLER_ADDR", "localhost:50000"), "controller RPC address")
	flags.StringVar(&opts.redisAddr, "redis", envOr("RUNNERD_REDIS_ADDR", "localhost:6379"), "Redis address")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per call timeout")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newExecCmd(opts),
		newHeartbeatCmd(opts),
		newDescribeCmd(opts),
		newRegisterCmd(opts),
		newEnqueueCmd(opts),
		newFloodCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
