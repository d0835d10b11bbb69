package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewRedisQueue(context.Background(), Options{
		Addr:     mr.Addr(),
		Consumer: "test-consumer",
		Block:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func TestNewRedisQueueUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisQueue(context.Background(), Options{Addr: addr})
	require.Error(t, err)
}

func TestPublishSubscribeAcknowledge(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs, err := q.Subscribe(ctx)
	require.NoError(t, err)

	want := domain.Job{ID: "job-1", Code: `fn main() { println!("hi"); }`, Language: domain.LanguageRust}
	require.NoError(t, q.Publish(ctx, want))

	var got domain.Job
	select {
	case got = <-jobs:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Code, got.Code)
	assert.Equal(t, want.Language, got.Language)
	require.NotEmpty(t, got.RawID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	require.NoError(t, q.Acknowledge(ctx, got.RawID))
	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	jobs, err := q.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-jobs:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	require.NoError(t, q.EnsureGroup(context.Background()))
	require.NoError(t, q.EnsureGroup(context.Background()))
}

func TestBroadcastReachesLogSubscribers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results, err := q.SubscribeLogs(ctx)
	require.NoError(t, err)

	sent := domain.JobResult{JobID: "job-7", NodeID: 2, Status: "ok", Stdout: "hello\n"}
	require.NoError(t, q.Broadcast(ctx, sent))

	select {
	case got := <-results:
		assert.Equal(t, sent, got)
	case <-time.After(2 * time.Second):
		t.Fatal("result was not delivered")
	}
}

func TestReclaimStaleAcknowledgesAndReportsAbandoned(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.EnsureGroup(ctx))
	require.NoError(t, q.Publish(ctx, domain.Job{ID: "job-lost", Code: "print(1)", Language: domain.LanguagePython}))

	// A dispatcher takes the job and dies before acknowledging it.
	_, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "crashed",
		Streams:  []string{q.stream, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	results, err := q.SubscribeLogs(ctx)
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case got := <-results:
		assert.Equal(t, "job-lost", got.JobID)
		assert.Equal(t, StatusAbandoned, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned result was not broadcast")
	}

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	n, err = q.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
