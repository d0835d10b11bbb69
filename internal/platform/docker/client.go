package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dontdude/runnerd/internal/domain"
)

// Limits are the resource limits applied to every sandbox container.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
}

// DefaultLimits returns conservative per-execution limits.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 512 * 1024 * 1024, // 512MB
		NanoCPUs:    1_000_000_000,     // 1 CPU
		PidsLimit:   128,
	}
}

// Client wraps the official Docker SDK client as a domain.Sandbox.
type Client struct {
	cli      *client.Client
	runtimes map[domain.Language]Runtime
	limits   Limits
}

// Check if Client implements domain.Sandbox
var _ domain.Sandbox = (*Client)(nil)

// NewClient initializes and returns a verified Docker client.
// It performs a connection check (Ping) upon initialization.
// If the Docker daemon is unreachable, the function panics to prevent the
// runner from registering in a broken state (Fail-Fast).
func NewClient(runtimes map[domain.Language]Runtime, limits Limits) *Client {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("Failed to create Docker client", "error", err)
		panic(err)
	}

	// Ping Docker to ensure connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err = cli.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Docker Daemon", "error", err)
		panic(err)
	}

	slog.Info("Docker Client initialized successfully")
	return &Client{cli: cli, runtimes: runtimes, limits: limits}
}

// Languages returns the languages this client has a runtime for.
func (c *Client) Languages() []domain.Language {
	out := make([]domain.Language, 0, len(c.runtimes))
	for lang := range c.runtimes {
		out = append(out, lang)
	}
	return out
}

// EnsureImages pulls the image of every configured runtime.
func (c *Client) EnsureImages(ctx context.Context) error {
	for lang, rt := range c.runtimes {
		slog.Info("Pulling image", "language", lang, "image", rt.Image)
		reader, err := c.cli.ImagePull(ctx, rt.Image, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", rt.Image, err)
		}
		// Drain the response body to ensure the pull completes properly.
		_, err = io.Copy(io.Discard, reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", rt.Image, err)
		}
	}
	return nil
}

// Run executes program within an ephemeral container that has no network and
// hard resource limits. The container is always removed before Run returns.
func (c *Client) Run(ctx context.Context, executionID string, language domain.Language, program string) (domain.SandboxResult, error) {
	rt, ok := c.runtimes[language]
	if !ok {
		return domain.SandboxResult{}, fmt.Errorf("%w: %w: %s", domain.ErrSandboxStart, domain.ErrUnsupportedLanguage, language)
	}
	name := "runnerd-" + executionID
	log := slog.With("executionID", executionID, "image", rt.Image)

	// 1. Create Container with Limits
	pids := c.limits.PidsLimit
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:           rt.Image,
		Cmd:             rt.Command,
		NetworkDisabled: true,
		Tty:             false,
		Labels: map[string]string{
			"runnerd.execution": executionID,
			"runnerd.language":  language.String(),
		},
	}, &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:    c.limits.MemoryBytes,
			NanoCPUs:  c.limits.NanoCPUs,
			PidsLimit: &pids,
		},
	}, nil, nil, name)
	if err != nil {
		log.Error("Failed to create container", "error", err)
		return domain.SandboxResult{}, fmt.Errorf("%w: create container: %v", domain.ErrSandboxStart, err)
	}
	containerID := resp.ID

	// Removal must happen even when ctx is already done.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cli.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("Failed to remove container", "containerID", containerID, "error", err)
		}
	}()

	// 2. Copy the program in
	archive, err := rt.sourceArchive(program)
	if err != nil {
		return domain.SandboxResult{}, fmt.Errorf("%w: %v", domain.ErrSandboxStart, err)
	}
	if err := c.cli.CopyToContainer(ctx, containerID, path.Dir(rt.Source), archive, container.CopyToContainerOptions{}); err != nil {
		log.Error("Failed to copy program", "containerID", containerID, "error", err)
		return domain.SandboxResult{}, fmt.Errorf("%w: copy program: %v", domain.ErrSandboxStart, err)
	}

	// 3. Start and wait
	waitCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		log.Error("Failed to start container", "containerID", containerID, "error", err)
		return domain.SandboxResult{}, fmt.Errorf("%w: start container: %v", domain.ErrSandboxStart, err)
	}
	log.Debug("Container started", "containerID", containerID)

	var exitCode int
	select {
	case status := <-waitCh:
		if status.Error != nil && status.Error.Message != "" {
			return domain.SandboxResult{}, fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if ctx.Err() != nil {
			c.kill(containerID, log)
			return domain.SandboxResult{}, fmt.Errorf("wait for container: %w", ctx.Err())
		}
		return domain.SandboxResult{}, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		c.kill(containerID, log)
		return domain.SandboxResult{}, fmt.Errorf("wait for container: %w", ctx.Err())
	}

	// 4. Collect both streams in full
	stdout, stderr, err := c.logs(ctx, containerID)
	if err != nil {
		if ctx.Err() != nil {
			return domain.SandboxResult{}, fmt.Errorf("read container logs: %w", ctx.Err())
		}
		return domain.SandboxResult{}, fmt.Errorf("read container logs: %w", err)
	}

	return domain.SandboxResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

func (c *Client) logs(ctx context.Context, containerID string) ([]byte, []byte, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

func (c *Client) kill(containerID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.cli.ContainerKill(ctx, containerID, "KILL"); err != nil {
		log.Warn("Failed to kill container", "containerID", containerID, "error", err)
	}
}

// Close releases the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}
