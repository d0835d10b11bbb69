package sentry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeWithoutDSNIsNoop(t *testing.T) {
	require.NoError(t, Initialize(Config{}))
	assert.False(t, Enabled())

	// Must not panic without a client.
	CaptureError(errors.New("boom"), map[string]string{"kind": "transport"})
	Reporter{}.CaptureError(errors.New("boom"), nil)
	Flush(10 * time.Millisecond)
}

func TestInitializeRejectsBadDSN(t *testing.T) {
	require.Error(t, Initialize(Config{DSN: "not a dsn"}))
}
