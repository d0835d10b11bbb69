package domain

import "context"

// SandboxResult is what an isolated run produced. Streams are raw bytes; the
// caller decides whether they are valid text.
type SandboxResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Sandbox defines the contract for executing code within an isolated environment.
// Implementations handle the low-level container lifecycle.
type Sandbox interface {
	// Run executes program for the given language in a fresh sandbox scoped to this call.
	// It returns an error wrapping ErrSandboxStart if the sandbox never started, and
	// an error wrapping the context error if ctx ended before the sandbox exited.
	Run(ctx context.Context, executionID string, language Language, program string) (SandboxResult, error)
}

// Runner is a handle to an execution endpoint. Remote runners are reached over
// a multiplexed RPC connection; the handle is shared, never reopened per call.
type Runner interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error)
	Describe(ctx context.Context) (DescribeResponse, error)
	Heartbeat(ctx context.Context) error
	Close() error
}

// Job represents a queued submission awaiting dispatch to a runner.
type Job struct {
	ID       string   `json:"id"`
	Code     string   `json:"code"`
	Language Language `json:"language"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobResult is broadcast to subscribers once a queued job has been handled.
type JobResult struct {
	JobID    string `json:"job_id"`
	NodeID   int32  `json:"node_id"`
	Status   string `json:"status"`
	Retcode  int32  `json:"retcode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Duration uint64 `json:"duration_ms"`
	Reply    string `json:"reply"`
	Error    string `json:"error,omitempty"`
}
