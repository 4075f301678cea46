package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageAllow(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Stop()

	l := Limit{Requests: 3, Window: time.Hour}

	for i := 0; i < 3; i++ {
		ok, err := s.Allow(context.Background(), "alice", l)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}

	ok, err := s.Allow(context.Background(), "alice", l)
	require.NoError(t, err)
	assert.False(t, ok, "bucket should be exhausted")
}

func TestMemoryStorageKeysAreIndependent(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Stop()

	l := Limit{Requests: 1, Window: time.Hour}

	ok, err := s.Allow(context.Background(), "alice", l)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Allow(context.Background(), "alice", l)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.Allow(context.Background(), "bob", l)
	require.NoError(t, err)
	assert.True(t, ok, "one caller's bucket must not affect another's")
}

func TestMemoryStorageStop(t *testing.T) {
	s := NewMemoryStorage()
	s.Stop()

	// Stop halts only the background eviction; existing callers still get
	// answers.
	ok, err := s.Allow(context.Background(), "alice", Limit{Requests: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStorageRefill(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Stop()

	// 50 per second refills one token every 20ms.
	l := Limit{Requests: 50, Window: time.Second}

	for i := 0; i < 50; i++ {
		_, err := s.Allow(context.Background(), "alice", l)
		require.NoError(t, err)
	}

	ok, err := s.Allow(context.Background(), "alice", l)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(100 * time.Millisecond)

	ok, err = s.Allow(context.Background(), "alice", l)
	require.NoError(t, err)
	assert.True(t, ok, "tokens should refill over time")
}
