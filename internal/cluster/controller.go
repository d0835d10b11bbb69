package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dontdude/runnerd/internal/domain"
)

// Dialer opens a connection to the runner listening on addr.
type Dialer func(ctx context.Context, addr string) (domain.Runner, error)

// Controller accepts runner registrations and owns the pool they join.
type Controller struct {
	pool        *Pool
	dial        Dialer
	dialTimeout time.Duration
}

// NewController returns a Controller that dials runners back with dial.
func NewController(pool *Pool, dial Dialer, dialTimeout time.Duration) *Controller {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Controller{pool: pool, dial: dial, dialTimeout: dialTimeout}
}

// Pool returns the pool registrations are added to.
func (c *Controller) Pool() *Pool {
	return c.pool
}

// Register connects back to the runner at host:port and adds it to the pool.
// The runner must already be listening. If the connection cannot be made no
// node ID is consumed.
func (c *Controller) Register(ctx context.Context, host, port string) (int32, error) {
	if host == "" || port == "" {
		return 0, fmt.Errorf("%w: missing runner host or port", domain.ErrRegistration)
	}
	addr := net.JoinHostPort(host, port)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	slog.Info("Registering runner", "addr", addr)
	conn, err := c.dial(dialCtx, addr)
	if err != nil {
		slog.Warn("Failed to connect back to runner", "addr", addr, "error", err)
		return 0, fmt.Errorf("%w: connect %s: %v", domain.ErrRegistration, addr, err)
	}

	id := c.pool.Register(host, port, conn)
	slog.Info("Runner registered", "nodeID", id, "addr", addr, "poolSize", c.pool.Len())
	return id, nil
}

// Heartbeat reports whether nodeID is still a member of the pool.
func (c *Controller) Heartbeat(nodeID int32) bool {
	return c.pool.Known(nodeID)
}
