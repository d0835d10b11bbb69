package cluster

import (
	"log/slog"
	"sync"

	"github.com/dontdude/runnerd/internal/domain"
)

// Node is a registered runner: its identity plus the live connection to it.
type Node struct {
	ID   int32
	Host string
	Port string
	Conn domain.Runner
}

// Pool is the node registry and round-robin dispatcher.
// A node is in the pool if and only if its connection is held here.
type Pool struct {
	// mu guards nodes and nextID. Dispatch takes the read lock so that
	// concurrent Next calls do not block each other; Register and Evict
	// take the write lock so a dispatch never observes a partial append.
	mu     sync.RWMutex
	nodes  []Node
	nextID int32

	// cursorMu serializes cursor advancement only.
	cursorMu sync.Mutex
	cursor   int
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{}
}

// Register appends conn to the pool and returns its newly assigned node ID.
// IDs start at 0, increase strictly and are never reused.
func (p *Pool) Register(host, port string, conn domain.Runner) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.nodes = append(p.nodes, Node{ID: id, Host: host, Port: port, Conn: conn})
	return id
}

// Next returns the next node in rotation, or domain.ErrNoRunners when the pool is empty.
func (p *Pool) Next() (Node, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Length is read once under the read lock; a concurrent Register waits
	// for us, so idx is always in range for the slice we index.
	n := len(p.nodes)
	if n == 0 {
		return Node{}, domain.ErrNoRunners
	}

	p.cursorMu.Lock()
	idx := (p.cursor + 1) % n
	p.cursor = idx
	p.cursorMu.Unlock()

	return p.nodes[idx], nil
}

// Evict removes the node with the given ID and closes its connection.
// It reports whether the node was present.
func (p *Pool) Evict(id int32) bool {
	p.mu.Lock()
	var evicted *Node
	for i := range p.nodes {
		if p.nodes[i].ID == id {
			node := p.nodes[i]
			evicted = &node
			p.nodes = append(p.nodes[:i:i], p.nodes[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if evicted == nil {
		return false
	}
	if err := evicted.Conn.Close(); err != nil {
		slog.Warn("Failed to close evicted runner connection", "nodeID", id, "error", err)
	}
	return true
}

// Known reports whether a node with the given ID is registered.
func (p *Pool) Known(id int32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Nodes returns a snapshot of the registered nodes in rotation order.
func (p *Pool) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Len returns the number of registered nodes.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.nodes)
}

// Close evicts every node.
func (p *Pool) Close() {
	for _, n := range p.Nodes() {
		p.Evict(n.ID)
	}
}
