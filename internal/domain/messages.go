package domain

import (
	"fmt"
	"strings"
)

// Language selects the runtime a program is compiled and executed with.
type Language int32

const (
	LanguageRust Language = iota
	LanguagePython
)

var languageNames = map[Language]string{
	LanguageRust:   "rust",
	LanguagePython: "python",
}

func (l Language) String() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return fmt.Sprintf("language(%d)", int32(l))
}

// ParseLanguage maps a user supplied tag ("rust", "rs", "python", "py") to a Language.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rust", "rs":
		return LanguageRust, nil
	case "python", "py":
		return LanguagePython, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
	}
}

// ExecuteStatus classifies how an execution ended.
type ExecuteStatus int32

const (
	// StatusOk means the sandbox ran to completion. The program itself may still
	// have failed; see ExecuteResponse.Retcode.
	StatusOk ExecuteStatus = iota
	// StatusTimeout means the sandbox was killed at the execution deadline.
	StatusTimeout
	// StatusSandboxError means no program ran: the sandbox could not start.
	StatusSandboxError
	// StatusInvalidOutput means the program ran but stdout or stderr was not UTF-8.
	StatusInvalidOutput
)

func (s ExecuteStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusSandboxError:
		return "sandbox_error"
	case StatusInvalidOutput:
		return "invalid_output"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ExecuteRequest asks a runner to run Program with the given Language.
type ExecuteRequest struct {
	Language Language
	Program  string
	// Args is reserved and currently always empty.
	Args string
}

// ExecuteResponse is the outcome of a single Execute call.
type ExecuteResponse struct {
	Retcode int32
	Stdout  string
	Stderr  string
	Status  ExecuteStatus
	// Duration is the wall-clock time in milliseconds from submission to sandbox exit.
	Duration uint64
	// Error carries the failure reason for any status other than StatusOk.
	Error string
}

// Probe is the payload of the identity and liveness calls. Heartbeat echoes
// the nonce back to the caller.
type Probe struct {
	Nonce uint64
}

// DescribeResponse identifies the runner that answered.
type DescribeResponse struct {
	Host string
}

// RegisterRequest announces a runner's reachable address to the controller.
type RegisterRequest struct {
	Host string
	Port string
}

// RegisterResponse carries the node ID assigned by the controller.
type RegisterResponse struct {
	NodeID int32
}

// NodeHeartbeat is sent by a runner to check it is still a member of the cluster.
type NodeHeartbeat struct {
	NodeID int32
}

// NodeStatus answers NodeHeartbeat.
type NodeStatus struct {
	Known bool
}
