package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/runnerd/internal/domain"
	"github.com/dontdude/runnerd/internal/platform/retry"
)

// fakeController records registrations and forgets nodes on demand.
type fakeController struct {
	mu         sync.Mutex
	nextID     int32
	known      map[int32]bool
	failFirst  int
	registered []domain.RegisterRequest
	dials      int
	closes     int
}

func newFakeController() *fakeController {
	return &fakeController{known: make(map[int32]bool)}
}

func (f *fakeController) dial(ctx context.Context) (ControllerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	return f, nil
}

func (f *fakeController) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return domain.RegisterResponse{}, domain.ErrRegistration
	}
	id := f.nextID
	f.nextID++
	f.known[id] = true
	f.registered = append(f.registered, req)
	return domain.RegisterResponse{NodeID: id}, nil
}

func (f *fakeController) Heartbeat(ctx context.Context, nodeID int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known[nodeID], nil
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeController) forget() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known = make(map[int32]bool)
}

func (f *fakeController) registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.registered)
}

func quickBackoff() retry.Config {
	return retry.Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestMembershipJoinRetries(t *testing.T) {
	fc := newFakeController()
	fc.failFirst = 2
	m := NewMembership(fc.dial, "10.0.0.5", "50051", quickBackoff(), time.Hour)

	id, err := m.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	got, ok := m.NodeID()
	assert.True(t, ok)
	assert.Equal(t, int32(0), got)
	assert.Equal(t, []domain.RegisterRequest{{Host: "10.0.0.5", Port: "50051"}}, fc.registered)
	assert.Equal(t, 1, fc.dials, "the controller connection is reused across attempts")
}

func TestMembershipJoinStopsOnCancel(t *testing.T) {
	fc := newFakeController()
	fc.failFirst = 1 << 30
	m := NewMembership(fc.dial, "h", "1", quickBackoff(), time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Join(ctx)
	require.Error(t, err)
	_, ok := m.NodeID()
	assert.False(t, ok)
}

func TestMembershipRejoinsWhenForgotten(t *testing.T) {
	fc := newFakeController()
	m := NewMembership(fc.dial, "h", "1", quickBackoff(), 5*time.Millisecond)

	_, err := m.Join(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Maintain(ctx) }()

	fc.forget()
	require.Eventually(t, func() bool { return fc.registrations() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		id, ok := m.NodeID()
		return ok && id == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type flakyConn struct {
	*fakeController
	beatErr error
}

func (f *flakyConn) Heartbeat(ctx context.Context, nodeID int32) (bool, error) {
	if f.beatErr != nil {
		return false, f.beatErr
	}
	return f.fakeController.Heartbeat(ctx, nodeID)
}

func TestMembershipRedialsAfterTransportFailure(t *testing.T) {
	fc := newFakeController()
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (ControllerConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return &flakyConn{fakeController: fc, beatErr: errors.New("connection is shut down")}, nil
		}
		return fc, nil
	}
	m := NewMembership(dial, "h", "1", quickBackoff(), 5*time.Millisecond)
	_, err := m.Join(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Maintain(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials >= 2 && fc.registrations() == 2
	}, time.Second, time.Millisecond)
}
