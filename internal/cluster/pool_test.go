package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
)

type fakeRunner struct {
	name      string
	beatErr   error
	closed    atomic.Bool
	heartbeat atomic.Int32
}

func (f *fakeRunner) Execute(ctx context.Context, req domain.ExecuteRequest) (domain.ExecuteResponse, error) {
	return domain.ExecuteResponse{Stdout: f.name}, nil
}

func (f *fakeRunner) Describe(ctx context.Context) (domain.DescribeResponse, error) {
	return domain.DescribeResponse{Host: f.name}, nil
}

func (f *fakeRunner) Heartbeat(ctx context.Context) error {
	f.heartbeat.Add(1)
	return f.beatErr
}

func (f *fakeRunner) Close() error {
	f.closed.Store(true)
	return nil
}

func TestPoolNextOnEmptyPool(t *testing.T) {
	p := NewPool()
	_, err := p.Next()
	require.ErrorIs(t, err, domain.ErrNoRunners)
}

func TestPoolConcurrentRegisterAssignsDistinctIDs(t *testing.T) {
	const n = 200
	p := NewPool()

	ids := make([]int32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = p.Register("localhost", "5000", &fakeRunner{})
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for i, id := range ids {
		assert.Equal(t, int32(i), id)
	}
	assert.Equal(t, n, p.Len())
}

func TestPoolRoundRobinFairness(t *testing.T) {
	tests := []struct {
		name  string
		k     int
		calls int
	}{
		{name: "single runner", k: 1, calls: 7},
		{name: "even split", k: 4, calls: 40},
		{name: "uneven split", k: 3, calls: 10},
		{name: "fewer calls than runners", k: 5, calls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool()
			for i := 0; i < tt.k; i++ {
				p.Register("localhost", "5000", &fakeRunner{})
			}

			counts := make(map[int32]int)
			for i := 0; i < tt.calls; i++ {
				node, err := p.Next()
				require.NoError(t, err)
				counts[node.ID]++
			}

			lo, hi := tt.calls/tt.k, (tt.calls+tt.k-1)/tt.k
			for id := int32(0); id < int32(tt.k); id++ {
				c := counts[id]
				assert.Truef(t, c == lo || c == hi, "node %d selected %d times, want %d or %d", id, c, lo, hi)
			}
		})
	}
}

func TestPoolNextWrapsInOrder(t *testing.T) {
	p := NewPool()
	for i := 0; i < 3; i++ {
		p.Register("localhost", "5000", &fakeRunner{})
	}

	var got []int32
	for i := 0; i < 6; i++ {
		node, err := p.Next()
		require.NoError(t, err)
		got = append(got, node.ID)
	}
	assert.Equal(t, []int32{1, 2, 0, 1, 2, 0}, got)
}

func TestPoolGrowthDuringDispatch(t *testing.T) {
	p := NewPool()
	p.Register("localhost", "5000", &fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				node, err := p.Next()
				if err != nil {
					errCh <- err
					return
				}
				if node.Conn == nil {
					errCh <- errors.New("dispatched a node without a connection")
					return
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		p.Register("localhost", "5000", &fakeRunner{})
	}
	cancel()
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("dispatch failed during growth: %v", err)
	}
	assert.Equal(t, 501, p.Len())
}

func TestPoolEvict(t *testing.T) {
	p := NewPool()
	a := &fakeRunner{name: "a"}
	b := &fakeRunner{name: "b"}
	idA := p.Register("a", "1", a)
	idB := p.Register("b", "2", b)

	require.True(t, p.Evict(idA))
	assert.True(t, a.closed.Load())
	assert.False(t, p.Known(idA))
	assert.True(t, p.Known(idB))
	assert.False(t, p.Evict(idA), "second eviction must be a no-op")

	for i := 0; i < 3; i++ {
		node, err := p.Next()
		require.NoError(t, err)
		assert.Equal(t, idB, node.ID)
	}

	// IDs are never reused after eviction.
	idC := p.Register("c", "3", &fakeRunner{})
	assert.Equal(t, int32(2), idC)
}

func TestPoolNodesIsSnapshot(t *testing.T) {
	p := NewPool()
	p.Register("a", "1", &fakeRunner{})
	snap := p.Nodes()
	p.Register("b", "2", &fakeRunner{})

	assert.Len(t, snap, 1)
	assert.Len(t, p.Nodes(), 2)
}
