package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthChecker probes every registered runner's Heartbeat and evicts a node
// after MaxMisses consecutive failed probes. Between sweeps the dispatcher
// stays health-blind: a dead runner can still be handed out until evicted.
type HealthChecker struct {
	pool      *Pool
	interval  time.Duration
	timeout   time.Duration
	maxMisses int

	mu     sync.Mutex
	misses map[int32]int
}

// NewHealthChecker returns a checker for pool.
func NewHealthChecker(pool *Pool, interval, timeout time.Duration, maxMisses int) *HealthChecker {
	if maxMisses <= 0 {
		maxMisses = 1
	}
	return &HealthChecker{
		pool:      pool,
		interval:  interval,
		timeout:   timeout,
		maxMisses: maxMisses,
		misses:    make(map[int32]int),
	}
}

// Run sweeps the pool every interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	slog.Info("Starting health checker", "interval", h.interval, "maxMisses", h.maxMisses)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := h.Sweep(ctx); len(evicted) > 0 {
				slog.Warn("Evicted unresponsive runners", "nodeIDs", evicted, "poolSize", h.pool.Len())
			}
		}
	}
}

// Sweep probes all nodes once, concurrently, and returns the IDs it evicted.
func (h *HealthChecker) Sweep(ctx context.Context) []int32 {
	nodes := h.pool.Nodes()
	failed := make([]bool, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, h.timeout)
			defer cancel()
			if err := n.Conn.Heartbeat(probeCtx); err != nil {
				slog.Debug("Heartbeat missed", "nodeID", n.ID, "error", err)
				failed[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()

	live := make(map[int32]struct{}, len(nodes))
	var evicted []int32
	for i, n := range nodes {
		live[n.ID] = struct{}{}
		if !failed[i] {
			delete(h.misses, n.ID)
			continue
		}
		h.misses[n.ID]++
		if h.misses[n.ID] >= h.maxMisses {
			if h.pool.Evict(n.ID) {
				evicted = append(evicted, n.ID)
			}
			delete(h.misses, n.ID)
		}
	}
	// Forget counters of nodes that left the pool some other way.
	for id := range h.misses {
		if _, ok := live[id]; !ok {
			delete(h.misses, id)
		}
	}
	return evicted
}
