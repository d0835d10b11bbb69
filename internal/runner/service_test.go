package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
)

// fakeSandbox is a configurable sandbox useful for contract tests.
type fakeSandbox struct {
	result  domain.SandboxResult
	err     error
	block   bool
	running atomic.Int32
}

func (f *fakeSandbox) Run(ctx context.Context, executionID string, language domain.Language, program string) (domain.SandboxResult, error) {
	f.running.Add(1)
	defer f.running.Add(-1)
	if f.block {
		<-ctx.Done()
		return domain.SandboxResult{}, fmt.Errorf("wait for sandbox: %w", ctx.Err())
	}
	return f.result, f.err
}

func TestServiceExecute(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     *fakeSandbox
		wantStatus  domain.ExecuteStatus
		wantRetcode int32
		wantStdout  string
		wantStderr  string
		wantErrText string
	}{
		{
			name:       "hello world",
			sandbox:    &fakeSandbox{result: domain.SandboxResult{Stdout: []byte("hello\n")}},
			wantStatus: domain.StatusOk,
			wantStdout: "hello\n",
		},
		{
			name: "real exit code is reported",
			sandbox: &fakeSandbox{result: domain.SandboxResult{
				ExitCode: 101,
				Stderr:   []byte("thread 'main' panicked"),
			}},
			wantStatus:  domain.StatusOk,
			wantRetcode: 101,
			wantStderr:  "thread 'main' panicked",
		},
		{
			name:        "sandbox could not start",
			sandbox:     &fakeSandbox{err: fmt.Errorf("%w: no such image", domain.ErrSandboxStart)},
			wantStatus:  domain.StatusSandboxError,
			wantRetcode: -1,
			wantErrText: "sandbox could not start",
		},
		{
			name:        "invalid utf-8 on stdout",
			sandbox:     &fakeSandbox{result: domain.SandboxResult{Stdout: []byte{0xff, 0xfe}, Stderr: []byte("ok")}},
			wantStatus:  domain.StatusInvalidOutput,
			wantErrText: "stdout",
		},
		{
			name:        "invalid utf-8 on stderr",
			sandbox:     &fakeSandbox{result: domain.SandboxResult{Stdout: []byte("fine"), Stderr: []byte{0xc3, 0x28}}},
			wantStatus:  domain.StatusInvalidOutput,
			wantErrText: "stderr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.sandbox, Options{Host: "runner-1", Timeout: time.Second})
			resp, err := svc.Execute(context.Background(), domain.ExecuteRequest{
				Language: domain.LanguageRust,
				Program:  `fn main() { println!("hello"); }`,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantRetcode, resp.Retcode)
			assert.Equal(t, tt.wantStdout, resp.Stdout)
			assert.Equal(t, tt.wantStderr, resp.Stderr)
			if tt.wantErrText != "" {
				assert.Contains(t, resp.Error, tt.wantErrText)
			} else {
				assert.Empty(t, resp.Error)
			}
		})
	}
}

func TestServiceExecuteTimeout(t *testing.T) {
	svc := NewService(&fakeSandbox{block: true}, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	resp, err := svc.Execute(context.Background(), domain.ExecuteRequest{Language: domain.LanguageRust, Program: "loop {}"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusTimeout, resp.Status)
	assert.Equal(t, int32(-1), resp.Retcode)
	assert.GreaterOrEqual(t, resp.Duration, uint64(50))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServiceExecuteCallerCancel(t *testing.T) {
	svc := NewService(&fakeSandbox{block: true}, Options{Timeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Execute(ctx, domain.ExecuteRequest{Language: domain.LanguageRust})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServiceRejectsUnsupportedLanguage(t *testing.T) {
	sb := &fakeSandbox{}
	svc := NewService(sb, Options{Languages: []domain.Language{domain.LanguageRust}})

	resp, err := svc.Execute(context.Background(), domain.ExecuteRequest{Language: domain.LanguagePython, Program: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSandboxError, resp.Status)
	assert.Contains(t, resp.Error, "unsupported language")
}

func TestServiceConcurrencyLimit(t *testing.T) {
	sb := &fakeSandbox{block: true}
	svc := NewService(sb, Options{Timeout: 100 * time.Millisecond, Concurrency: 1})

	done := make(chan domain.ExecuteResponse, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, _ := svc.Execute(context.Background(), domain.ExecuteRequest{Language: domain.LanguageRust})
			done <- resp
		}()
	}

	require.Eventually(t, func() bool { return sb.running.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), sb.running.Load(), "only one sandbox may run at a time")

	for i := 0; i < 2; i++ {
		resp := <-done
		assert.Equal(t, domain.StatusTimeout, resp.Status)
	}
}

func TestServiceHeartbeatDuringExecution(t *testing.T) {
	sb := &fakeSandbox{block: true}
	svc := NewService(sb, Options{Timeout: 2 * time.Second, Concurrency: 1})

	go svc.Execute(context.Background(), domain.ExecuteRequest{Language: domain.LanguageRust})
	require.Eventually(t, func() bool { return sb.running.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, svc.Heartbeat(context.Background()))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestServiceDescribeIsStable(t *testing.T) {
	svc := NewService(&fakeSandbox{}, Options{Host: "runner-7.internal"})
	for i := 0; i < 3; i++ {
		resp, err := svc.Describe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "runner-7.internal", resp.Host)
	}
}
