package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(userID, projectID string, status Status) *Session {
	return &Session{
		ID:             uuid.New(),
		UserID:         userID,
		ProjectID:      projectID,
		ProviderID:     "docker",
		Status:         status,
		CreatedAt:      time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(),
	}
}

func TestMemoryStoreUpsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	s := newSession("alice", "proj-1", StatusActive)

	require.NoError(t, store.Upsert(context.Background(), s))

	got, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	// The store hands out copies, not the live struct.
	got.Status = StatusFailed
	again, err := store.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryStoreFindCurrent(t *testing.T) {
	store := NewMemoryStore()

	terminated := newSession("alice", "proj-1", StatusTerminated)
	require.NoError(t, store.Upsert(context.Background(), terminated))

	// Terminated sessions never count as current.
	_, err := store.FindCurrent(context.Background(), "alice", "proj-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	idle := newSession("alice", "proj-1", StatusIdle)
	require.NoError(t, store.Upsert(context.Background(), idle))

	got, err := store.FindCurrent(context.Background(), "alice", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, idle.ID, got.ID)
}

func TestMemoryStoreFindByUser(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Upsert(context.Background(), newSession("alice", "proj-1", StatusActive)))
	require.NoError(t, store.Upsert(context.Background(), newSession("alice", "proj-2", StatusIdle)))
	require.NoError(t, store.Upsert(context.Background(), newSession("bob", "proj-1", StatusActive)))

	sessions, err := store.FindByUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestMemoryStoreListNonTerminal(t *testing.T) {
	store := NewMemoryStore()

	require.NoError(t, store.Upsert(context.Background(), newSession("alice", "proj-1", StatusActive)))
	require.NoError(t, store.Upsert(context.Background(), newSession("alice", "proj-2", StatusTerminated)))
	require.NoError(t, store.Upsert(context.Background(), newSession("bob", "proj-1", StatusFailed)))

	sessions, err := store.ListNonTerminal(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 2, "failed sessions are non-terminal, terminated ones are not")
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusTerminated.Terminal())

	for _, s := range []Status{StatusProvisioning, StatusActive, StatusIdle, StatusSuspended, StatusFailed} {
		assert.False(t, s.Terminal(), string(s))
	}
}
