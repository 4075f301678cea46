package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Store is the durable mirror of the in-memory session table. The
// orchestration core writes through it on every transition and rehydrates
// from it at startup; it never re-derives truth from providers.
type Store interface {
	// GetByID fetches one session with its handle, if any.
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)

	// FindByUser returns every session owned by the user, newest first.
	FindByUser(ctx context.Context, userID string) ([]*Session, error)

	// FindCurrent returns the non-terminal session for (userID, projectID),
	// or ErrSessionNotFound.
	FindCurrent(ctx context.Context, userID, projectID string) (*Session, error)

	// ListNonTerminal returns every session that is not terminated.
	ListNonTerminal(ctx context.Context) ([]*Session, error)

	// Upsert writes the session and its sandbox handle in one shot.
	Upsert(ctx context.Context, s *Session) error
}
