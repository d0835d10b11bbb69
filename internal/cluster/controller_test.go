package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
)

func TestControllerRegister(t *testing.T) {
	var dialed []string
	dial := func(ctx context.Context, addr string) (domain.Runner, error) {
		dialed = append(dialed, addr)
		if addr == "unreachable:1" {
			return nil, errors.New("connection refused")
		}
		return &fakeRunner{name: addr}, nil
	}
	c := NewController(NewPool(), dial, time.Second)
	ctx := context.Background()

	id, err := c.Register(ctx, "runner-a", "50051")
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	_, err = c.Register(ctx, "unreachable", "1")
	require.ErrorIs(t, err, domain.ErrRegistration)
	assert.Equal(t, 1, c.Pool().Len(), "failed registration must leave the pool unchanged")

	id, err = c.Register(ctx, "runner-b", "50052")
	require.NoError(t, err)
	assert.Equal(t, int32(1), id, "failed registration must not consume an ID")

	assert.Equal(t, []string{"runner-a:50051", "unreachable:1", "runner-b:50052"}, dialed)

	node, err := c.Pool().Next()
	require.NoError(t, err)
	assert.Equal(t, "runner-b", node.Host)
}

func TestControllerRegisterValidatesAddress(t *testing.T) {
	dial := func(ctx context.Context, addr string) (domain.Runner, error) {
		t.Fatalf("dial must not be attempted for %q", addr)
		return nil, nil
	}
	c := NewController(NewPool(), dial, time.Second)

	_, err := c.Register(context.Background(), "", "50051")
	assert.ErrorIs(t, err, domain.ErrRegistration)
	_, err = c.Register(context.Background(), "localhost", "")
	assert.ErrorIs(t, err, domain.ErrRegistration)
}

func TestControllerRegisterDialTimeout(t *testing.T) {
	dial := func(ctx context.Context, addr string) (domain.Runner, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := NewController(NewPool(), dial, 20*time.Millisecond)

	start := time.Now()
	_, err := c.Register(context.Background(), "slow", "1")
	require.ErrorIs(t, err, domain.ErrRegistration)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, c.Pool().Len())
}

func TestControllerHeartbeat(t *testing.T) {
	dial := func(ctx context.Context, addr string) (domain.Runner, error) {
		return &fakeRunner{}, nil
	}
	c := NewController(NewPool(), dial, time.Second)
	id, err := c.Register(context.Background(), "localhost", "1")
	require.NoError(t, err)

	assert.True(t, c.Heartbeat(id))
	assert.False(t, c.Heartbeat(id+1))

	c.Pool().Evict(id)
	assert.False(t, c.Heartbeat(id))
}
