package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/retry"
)

// ControllerConn is a connection to the controller's registration endpoint.
type ControllerConn interface {
	Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error)
	Heartbeat(ctx context.Context, nodeID int32) (bool, error)
	Close() error
}

// ControllerDialer opens a ControllerConn.
type ControllerDialer func(ctx context.Context) (ControllerConn, error)

// Membership announces this runner to the controller and keeps it registered.
// The runner must be serving before Join is called: the controller dials back
// to the announced address as part of registration.
type Membership struct {
	dial     ControllerDialer
	announce domain.RegisterRequest
	backoff  retry.Config
	interval time.Duration

	mu   sync.Mutex
	conn ControllerConn

	nodeID atomic.Int32
	joined atomic.Bool
}

// NewMembership returns a Membership announcing host:port through dial.
func NewMembership(dial ControllerDialer, host, port string, backoff retry.Config, interval time.Duration) *Membership {
	return &Membership{
		dial:     dial,
		announce: domain.RegisterRequest{Host: host, Port: port},
		backoff:  backoff,
		interval: interval,
	}
}

// NodeID returns the ID assigned by the last successful registration.
func (m *Membership) NodeID() (int32, bool) {
	return m.nodeID.Load(), m.joined.Load()
}

// Join registers with the controller, retrying with backoff until it succeeds
// or ctx is done.
func (m *Membership) Join(ctx context.Context) (int32, error) {
	var id int32
	err := retry.Do(ctx, m.backoff, "register with controller", func(ctx context.Context) error {
		conn, err := m.connection(ctx)
		if err != nil {
			return err
		}
		resp, err := conn.Register(ctx, m.announce)
		if err != nil {
			if errors.Is(err, domain.ErrTransport) {
				m.dropConnection()
			}
			return err
		}
		id = resp.NodeID
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.nodeID.Store(id)
	m.joined.Store(true)
	slog.Info("Joined cluster", "nodeID", id, "host", m.announce.Host, "port", m.announce.Port)
	return id, nil
}

// Maintain checks membership every interval and re-joins when the controller
// no longer knows this node (it restarted or evicted us) or cannot be reached.
func (m *Membership) Maintain(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.dropConnection()
			return nil
		case <-ticker.C:
			if m.check(ctx) {
				continue
			}
			m.joined.Store(false)
			if _, err := m.Join(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// check reports whether this node is still registered.
func (m *Membership) check(ctx context.Context) bool {
	id, ok := m.NodeID()
	if !ok {
		return false
	}

	conn, err := m.connection(ctx)
	if err != nil {
		slog.Warn("Controller unreachable", "error", err)
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	known, err := conn.Heartbeat(probeCtx, id)
	if err != nil {
		slog.Warn("Controller heartbeat failed", "nodeID", id, "error", err)
		m.dropConnection()
		return false
	}
	if !known {
		slog.Warn("Controller no longer knows this node, re-registering", "nodeID", id)
	}
	return known
}

func (m *Membership) connection(ctx context.Context) (ControllerConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	return conn, nil
}

func (m *Membership) dropConnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
