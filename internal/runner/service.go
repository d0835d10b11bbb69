package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dontdude/runnerd/internal/domain"
)

// Options configure a Service.
type Options struct {
	// Host is reported by Describe.
	Host string
	// Timeout bounds every Execute call, including the wait for a free slot.
	Timeout time.Duration
	// Concurrency limits how many sandboxes run at once.
	Concurrency int
	// Languages lists the runtimes this runner accepts. Empty means all.
	Languages []domain.Language
}

// Service is the runner execution service. It keeps no state between
// Execute calls; Describe and Heartbeat never wait on an execution.
type Service struct {
	sandbox   domain.Sandbox
	host      string
	timeout   time.Duration
	slots     *semaphore.Weighted
	languages map[domain.Language]bool
}

// Check if Service implements domain.Runner
var _ domain.Runner = (*Service)(nil)

// NewService wraps sandbox as an execution service.
func NewService(sandbox domain.Sandbox, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	var langs map[domain.Language]bool
	if len(opts.Languages) > 0 {
		langs = make(map[domain.Language]bool, len(opts.Languages))
		for _, l := range opts.Languages {
			langs[l] = true
		}
	}
	return &Service{
		sandbox:   sandbox,
		host:      opts.Host,
		timeout:   opts.Timeout,
		slots:     semaphore.NewWeighted(int64(opts.Concurrency)),
		languages: langs,
	}
}

// Execute runs req.Program in a fresh sandbox and reports the outcome.
// Failures of the sandbox are reported in-band through Status; the returned
// error is reserved for the caller's own context ending.
//
// Received -> Running -> Completed | Failed
func (s *Service) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.ExecuteResponse, error) {
	execID := uuid.New().String()
	start := time.Now()
	log := slog.With("executionID", execID, "language", req.Language)
	log.Info("Received execution", "programBytes", len(req.Program))

	if s.languages != nil && !s.languages[req.Language] {
		log.Warn("Rejected execution", "reason", "unsupported language")
		return failed(domain.StatusSandboxError, start, fmt.Errorf("%w: %s", domain.ErrUnsupportedLanguage, req.Language)), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.slots.Acquire(runCtx, 1); err != nil {
		if ctx.Err() != nil {
			return domain.ExecuteResponse{}, ctx.Err()
		}
		log.Warn("Execution timed out waiting for a slot", "timeout", s.timeout)
		return failed(domain.StatusTimeout, start, fmt.Errorf("timed out after %s waiting for a free sandbox", s.timeout)), nil
	}
	defer s.slots.Release(1)

	log.Debug("Running execution")
	res, err := s.sandbox.Run(runCtx, execID, req.Language, req.Program)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return domain.ExecuteResponse{}, ctx.Err()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
			log.Warn("Execution timed out", "timeout", s.timeout)
			return failed(domain.StatusTimeout, start, fmt.Errorf("program took longer than %s", s.timeout)), nil
		default:
			log.Error("Sandbox failed", "error", err)
			return failed(domain.StatusSandboxError, start, err), nil
		}
	}

	resp := domain.ExecuteResponse{
		Retcode:  int32(res.ExitCode),
		Status:   domain.StatusOk,
		Duration: elapsedMillis(start),
	}
	switch {
	case !utf8.Valid(res.Stdout):
		resp.Status = domain.StatusInvalidOutput
		resp.Error = "stdout is not valid UTF-8"
	case !utf8.Valid(res.Stderr):
		resp.Status = domain.StatusInvalidOutput
		resp.Error = "stderr is not valid UTF-8"
	default:
		resp.Stdout = string(res.Stdout)
		resp.Stderr = string(res.Stderr)
	}

	log.Info("Execution finished", "status", resp.Status, "retcode", resp.Retcode, "durationMs", resp.Duration)
	return resp, nil
}

// Describe returns the runner's identity.
func (s *Service) Describe(ctx context.Context) (domain.DescribeResponse, error) {
	return domain.DescribeResponse{Host: s.host}, nil
}

// Heartbeat answers a liveness probe.
func (s *Service) Heartbeat(ctx context.Context) error {
	return nil
}

// Close is a no-op; the service owns no connection.
func (s *Service) Close() error {
	return nil
}

func failed(status domain.ExecuteStatus, start time.Time, err error) domain.ExecuteResponse {
	return domain.ExecuteResponse{
		Retcode:  -1,
		Status:   status,
		Duration: elapsedMillis(start),
		Error:    err.Error(),
	}
}

func elapsedMillis(start time.Time) uint64 {
	return uint64(time.Since(start).Milliseconds())
}
