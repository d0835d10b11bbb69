package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"

	"github.com/dontdude/runnerd/internal/domain"
)

// Service names on the wire.
const (
	RunnerService     = "Runner"
	ControllerService = "Controller"
)

// RunnerRPC exposes a runner execution service over net/rpc.
type RunnerRPC struct {
	svc domain.Runner
}

// Execute RPC
func (r *RunnerRPC) Execute(req *domain.ExecuteRequest, resp *domain.ExecuteResponse) error {
	if req == nil {
		return fmt.Errorf("missing execute request")
	}
	out, err := r.svc.Execute(context.Background(), *req)
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

// Describe RPC
func (r *RunnerRPC) Describe(req *domain.Probe, resp *domain.DescribeResponse) error {
	out, err := r.svc.Describe(context.Background())
	if err != nil {
		return err
	}
	*resp = out
	return nil
}

// Heartbeat RPC: echoes the probe nonce.
func (r *RunnerRPC) Heartbeat(req *domain.Probe, resp *domain.Probe) error {
	if err := r.svc.Heartbeat(context.Background()); err != nil {
		return err
	}
	if req != nil {
		resp.Nonce = req.Nonce
	}
	return nil
}

// Registrar is the controller-side registration logic.
type Registrar interface {
	Register(ctx context.Context, host, port string) (int32, error)
	Heartbeat(nodeID int32) bool
}

// ControllerRPC exposes runner registration over net/rpc.
type ControllerRPC struct {
	reg Registrar
}

// Register RPC
func (c *ControllerRPC) Register(req *domain.RegisterRequest, resp *domain.RegisterResponse) error {
	if req == nil {
		return fmt.Errorf("%w: missing register request", domain.ErrRegistration)
	}
	id, err := c.reg.Register(context.Background(), req.Host, req.Port)
	if err != nil {
		return err
	}
	resp.NodeID = id
	return nil
}

// Heartbeat RPC: tells a runner whether it is still registered.
func (c *ControllerRPC) Heartbeat(req *domain.NodeHeartbeat, resp *domain.NodeStatus) error {
	if req == nil {
		return fmt.Errorf("missing node id")
	}
	resp.Known = c.reg.Heartbeat(req.NodeID)
	return nil
}

// NewRunnerServer returns an RPC server exposing svc as the Runner service.
func NewRunnerServer(svc domain.Runner) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(RunnerService, &RunnerRPC{svc: svc}); err != nil {
		return nil, fmt.Errorf("rpc register %s: %w", RunnerService, err)
	}
	return server, nil
}

// NewControllerServer returns an RPC server exposing reg as the Controller service.
func NewControllerServer(reg Registrar) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(ControllerService, &ControllerRPC{reg: reg}); err != nil {
		return nil, fmt.Errorf("rpc register %s: %w", ControllerService, err)
	}
	return server, nil
}

// Serve accepts connections on ln until ctx is done, serving each on its own
// goroutine. Every request on a connection is itself handled concurrently, so
// a slow Execute never delays a Heartbeat. On return the listener and all
// accepted connections are closed.
func Serve(ctx context.Context, ln net.Listener, server *rpc.Server) error {
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
		wg    sync.WaitGroup
	)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	defer func() {
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	}()

	slog.Info("RPC server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("RPC accept failed", "error", err)
			return fmt.Errorf("accept: %w", err)
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			server.ServeConn(conn)
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}
