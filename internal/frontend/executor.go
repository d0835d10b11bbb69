package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dontdude/runnerd/internal/cluster"
	"github.com/dontdude/runnerd/internal/domain"
)

// NotRunMessage is shown when the selected runner could not be reached.
const NotRunMessage = "the runner could not be reached, your code was not run"

// Picker selects the runner for the next submission.
type Picker interface {
	Next() (cluster.Node, error)
}

// Reporter receives failures worth surfacing outside the logs.
type Reporter interface {
	CaptureError(err error, tags map[string]string)
}

// Submission is one program a user asked to run.
type Submission struct {
	Language domain.Language
	Code     string
}

// Reply is what the front-end shows for one submission.
type Reply struct {
	NodeID   int32                `json:"node_id"`
	Status   domain.ExecuteStatus `json:"-"`
	State    string               `json:"status"`
	Retcode  int32                `json:"retcode"`
	Duration uint64               `json:"duration_ms"`
	Stdout   string               `json:"stdout,omitempty"`
	Stderr   string               `json:"stderr,omitempty"`
	Message  string               `json:"message"`
	Fields   []Field              `json:"fields"`
}

// Executor runs submissions on runners chosen by a Picker. A submission is
// sent to exactly one runner; transport failures are reported, not retried.
type Executor struct {
	picker   Picker
	reporter Reporter
}

// NewExecutor returns an Executor. reporter may be nil.
func NewExecutor(picker Picker, reporter Reporter) *Executor {
	return &Executor{picker: picker, reporter: reporter}
}

// Run picks a runner and executes sub on it. It returns an error wrapping
// domain.ErrNoRunners when the pool is empty and domain.ErrTransport when the
// runner could not be reached.
func (e *Executor) Run(ctx context.Context, sub Submission) (Reply, error) {
	node, err := e.picker.Next()
	if err != nil {
		return Reply{}, err
	}
	log := slog.With("nodeID", node.ID, "language", sub.Language)

	resp, err := node.Conn.Execute(ctx, domain.ExecuteRequest{Language: sub.Language, Program: sub.Code})
	if err != nil {
		if !errors.Is(err, domain.ErrTransport) {
			err = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		log.Error("Execute failed", "error", err)
		e.report(err, node, "transport")
		return Reply{NodeID: node.ID, Message: NotRunMessage}, err
	}

	if resp.Status == domain.StatusSandboxError {
		e.report(fmt.Errorf("%w: %s", domain.ErrSandboxStart, resp.Error), node, resp.Status.String())
	}
	log.Info("Execution finished", "status", resp.Status, "retcode", resp.Retcode, "duration", resp.Duration)

	return Reply{
		NodeID:   node.ID,
		Status:   resp.Status,
		State:    resp.Status.String(),
		Retcode:  resp.Retcode,
		Duration: resp.Duration,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Message:  statusMessage(resp),
		Fields:   buildFields(sub, resp),
	}, nil
}

func (e *Executor) report(err error, node cluster.Node, kind string) {
	if e.reporter == nil {
		return
	}
	e.reporter.CaptureError(err, map[string]string{
		"node_id": fmt.Sprint(node.ID),
		"runner":  node.Host + ":" + node.Port,
		"kind":    kind,
	})
}

// Static always picks the same runner. It backs direct mode, where the
// front-end talks to one known runner over one shared connection.
type Static struct {
	node cluster.Node
}

// NewStatic returns a Picker for a single runner.
func NewStatic(host, port string, conn domain.Runner) *Static {
	return &Static{node: cluster.Node{ID: -1, Host: host, Port: port, Conn: conn}}
}

func (s *Static) Next() (cluster.Node, error) {
	if s.node.Conn == nil {
		return cluster.Node{}, domain.ErrNoRunners
	}
	return s.node, nil
}

// Nodes lists the single runner.
func (s *Static) Nodes() []cluster.Node {
	if s.node.Conn == nil {
		return nil
	}
	return []cluster.Node{s.node}
}

// Close closes the runner connection.
func (s *Static) Close() error {
	if s.node.Conn == nil {
		return nil
	}
	return s.node.Conn.Close()
}
