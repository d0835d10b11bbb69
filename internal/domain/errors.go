package domain

import "errors"

var (
	// ErrNoRunners is returned by dispatch when no runner has registered yet.
	// Callers should treat it as retryable.
	ErrNoRunners = errors.New("no runners available yet")

	// ErrRegistration is returned when the controller cannot connect back to an announced runner.
	ErrRegistration = errors.New("runner registration failed")

	// ErrUnsupportedLanguage is returned for a language tag with no runtime.
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrSandboxStart is returned by a Sandbox that could not create or start the isolated environment.
	ErrSandboxStart = errors.New("sandbox could not start")

	// ErrTransport wraps failures of the RPC call itself: the code did not run.
	ErrTransport = errors.New("runner unreachable")
)
