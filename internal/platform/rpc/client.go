package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"strings"
	"sync/atomic"

	"github.com/dontdude/runnerd/internal/domain"
)

// RunnerClient is a multiplexed connection to one runner. It is safe for
// concurrent use; share the pointer instead of dialing again.
type RunnerClient struct {
	addr  string
	c     *rpc.Client
	nonce atomic.Uint64
}

// Check if RunnerClient implements domain.Runner
var _ domain.Runner = (*RunnerClient)(nil)

// DialRunner connects to the runner RPC endpoint at addr.
func DialRunner(ctx context.Context, addr string) (*RunnerClient, error) {
	c, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &RunnerClient{addr: addr, c: c}, nil
}

// Addr returns the address the client was dialed with.
func (cl *RunnerClient) Addr() string {
	return cl.addr
}

func (cl *RunnerClient) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.ExecuteResponse, error) {
	var resp domain.ExecuteResponse
	if err := call(ctx, cl.c, RunnerService+".Execute", &req, &resp); err != nil {
		return domain.ExecuteResponse{}, err
	}
	return resp, nil
}

func (cl *RunnerClient) Describe(ctx context.Context) (domain.DescribeResponse, error) {
	var resp domain.DescribeResponse
	if err := call(ctx, cl.c, RunnerService+".Describe", &domain.Probe{Nonce: cl.nonce.Add(1)}, &resp); err != nil {
		return domain.DescribeResponse{}, err
	}
	return resp, nil
}

func (cl *RunnerClient) Heartbeat(ctx context.Context) error {
	probe := domain.Probe{Nonce: cl.nonce.Add(1)}
	var echo domain.Probe
	if err := call(ctx, cl.c, RunnerService+".Heartbeat", &probe, &echo); err != nil {
		return err
	}
	if echo.Nonce != probe.Nonce {
		return fmt.Errorf("heartbeat nonce mismatch: sent %d, got %d", probe.Nonce, echo.Nonce)
	}
	return nil
}

func (cl *RunnerClient) Close() error {
	return cl.c.Close()
}

// ControllerClient is a connection to the controller's registration endpoint.
type ControllerClient struct {
	addr string
	c    *rpc.Client
}

// DialController connects to the controller RPC endpoint at addr.
func DialController(ctx context.Context, addr string) (*ControllerClient, error) {
	c, err := dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &ControllerClient{addr: addr, c: c}, nil
}

// Register announces a runner's reachable address and returns its node ID.
func (cl *ControllerClient) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	var resp domain.RegisterResponse
	err := call(ctx, cl.c, ControllerService+".Register", &req, &resp)
	if err != nil {
		var serverErr rpc.ServerError
		if errors.As(err, &serverErr) {
			reason := strings.TrimPrefix(string(serverErr), domain.ErrRegistration.Error()+": ")
			return domain.RegisterResponse{}, fmt.Errorf("%w: %s", domain.ErrRegistration, reason)
		}
		return domain.RegisterResponse{}, err
	}
	return resp, nil
}

// Heartbeat reports whether the controller still knows nodeID.
func (cl *ControllerClient) Heartbeat(ctx context.Context, nodeID int32) (bool, error) {
	var resp domain.NodeStatus
	if err := call(ctx, cl.c, ControllerService+".Heartbeat", &domain.NodeHeartbeat{NodeID: nodeID}, &resp); err != nil {
		return false, err
	}
	return resp.Known, nil
}

func (cl *ControllerClient) Close() error {
	return cl.c.Close()
}

func dial(ctx context.Context, addr string) (*rpc.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, addr, err)
	}
	return rpc.NewClient(conn), nil
}

// call issues an asynchronous RPC and waits for it or for ctx. Failures of the
// connection itself wrap domain.ErrTransport; errors returned by the remote
// method are passed through as rpc.ServerError.
func call(ctx context.Context, c *rpc.Client, method string, args, reply any) error {
	pending := c.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-pending.Done:
		if pending.Error == nil {
			return nil
		}
		var serverErr rpc.ServerError
		if errors.As(pending.Error, &serverErr) {
			return fmt.Errorf("%s: %w", method, serverErr)
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrTransport, method, pending.Error)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", domain.ErrTransport, method, ctx.Err())
	}
}
