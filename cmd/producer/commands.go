package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/queue"
	"github.com/dontdude/runnerd/internal/platform/rpc"
)

func dialRunner(cmd *cobra.Command, opts *options) (*rpc.RunnerClient, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return rpc.DialRunner(ctx, opts.runnerAddr)
}

// readProgram returns --code, the named file, or stdin for "-".
func readProgram(cmd *cobra.Command, code string, args []string) (string, error) {
	if code != "" {
		return code, nil
	}
	if len(args) == 0 {
		return "", errors.New("pass a file, - for stdin, or --code")
	}
	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("read program: %w", err)
	}
	return string(data), nil
}

func newExecCmd(opts *options) *cobra.Command {
	var code, lang string
	cmd := &cobra.Command{
		Use:   "exec [file|-]",
		Short: "Run a program on a runner and print its output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			language, err := domain.ParseLanguage(lang)
			if err != nil {
				return err
			}
			program, err := readProgram(cmd, code, args)
			if err != nil {
				return err
			}

			c, err := dialRunner(cmd, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			resp, err := c.Execute(ctx, domain.ExecuteRequest{Language: language, Program: program})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			io.WriteString(out, resp.Stdout)
			io.WriteString(cmd.ErrOrStderr(), resp.Stderr)
			fmt.Fprintf(out, "status=%s retcode=%d duration=%dms\n", resp.Status, resp.Retcode, resp.Duration)
			if resp.Error != "" {
				fmt.Fprintf(out, "error=%s\n", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "program source")
	cmd.Flags().StringVarP(&lang, "language", "l", "rust", "rust or python")
	return cmd
}

func newHeartbeatCmd(opts *options) *cobra.Command {
	var count, concurrency int
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send heartbeats over one connection and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			c, err := dialRunner(cmd, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			latencies := make([]time.Duration, count)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for i := 0; i < count; i++ {
				g.Go(func() error {
					callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
					defer cancel()
					start := time.Now()
					if err := c.Heartbeat(callCtx); err != nil {
						return err
					}
					latencies[i] = time.Since(start)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
			fmt.Fprintf(cmd.OutOrStdout(), "%d heartbeats ok: p50=%s p99=%s max=%s\n",
				count, latencies[count/2], latencies[count*99/100], latencies[count-1])
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of heartbeats")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "heartbeats in flight")
	return cmd
}

func newDescribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the host a runner reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRunner(cmd, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			resp, err := c.Describe(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Host)
			return nil
		},
	}
}

func newRegisterCmd(opts *options) *cobra.Command {
	var host, port string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Announce a runner address to the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			c, err := rpc.DialController(ctx, opts.controllerAddr)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Register(ctx, domain.RegisterRequest{Host: host, Port: port})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node_id=%d\n", resp.NodeID)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "runner host as reachable from the controller")
	cmd.Flags().StringVar(&port, "port", "50051", "runner port")
	return cmd
}

func newEnqueueCmd(opts *options) *cobra.Command {
	var count int
	var lang, code string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish jobs to the Redis job stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			language, err := domain.ParseLanguage(lang)
			if err != nil {
				return err
			}
			q, err := queue.NewRedisQueue(cmd.Context(), queue.Options{Addr: opts.redisAddr})
			if err != nil {
				return err
			}
			defer q.Close()

			for i := 1; i <= count; i++ {
				job := domain.Job{
					ID:       uuid.New().String(),
					Code:     strings.ReplaceAll(code, "{n}", fmt.Sprint(i)),
					Language: language,
				}
				slog.Info("Publishing job", "jobID", job.ID)
				if err := q.Publish(cmd.Context(), job); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of jobs")
	cmd.Flags().StringVarP(&lang, "language", "l", "python", "rust or python")
	cmd.Flags().StringVar(&code, "code", "print('Hello from job {n}')", "program source; {n} is replaced by the job number")
	return cmd
}

func newFloodCmd(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "flood",
		Short: "Run many hello-world programs concurrently over one connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialRunner(cmd, opts)
			if err != nil {
				return err
			}
			defer c.Close()

			var mismatched atomic.Int64
			start := time.Now()
			g, ctx := errgroup.WithContext(cmd.Context())
			for i := 0; i < count; i++ {
				g.Go(func() error {
					want := fmt.Sprintf("Hello World %d!", i)
					callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
					defer cancel()
					resp, err := c.Execute(callCtx, domain.ExecuteRequest{
						Language: domain.LanguageRust,
						Program:  fmt.Sprintf("fn main() { println!(%q); }", want),
					})
					if err != nil {
						return err
					}
					if strings.TrimSpace(resp.Stdout) != want {
						mismatched.Add(1)
						slog.Warn("Unexpected output", "want", want, "status", resp.Status, "stderr", resp.Stderr)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d executions in %s, %d mismatched\n", count, time.Since(start).Round(time.Millisecond), mismatched.Load())
			if mismatched.Load() > 0 {
				return fmt.Errorf("%d executions returned unexpected output", mismatched.Load())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 128, "number of concurrent executions")
	return cmd
}
