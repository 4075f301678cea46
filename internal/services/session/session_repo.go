package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/curaious/forge/pkg/sandbox"
)

// SessionRepo is the postgres-backed Store implementation.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo creates a new session repository.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// sessionRow mirrors the sessions table joined with sandbox_handles.
type sessionRow struct {
	ID               uuid.UUID `db:"id"`
	UserID           string    `db:"user_id"`
	ProjectID        string    `db:"project_id"`
	ProviderID       string    `db:"provider_id"`
	Status           Status    `db:"status"`
	HandleGeneration int       `db:"handle_generation"`
	FailureReason    string    `db:"failure_reason"`
	CreatedAt        time.Time `db:"created_at"`
	LastAccessedAt   time.Time `db:"last_accessed_at"`
	UpdatedAt        time.Time `db:"updated_at"`

	HandleID          sql.NullString `db:"handle_id"`
	HandleProviderID  sql.NullString `db:"handle_provider_id"`
	HandleStatus      sql.NullString `db:"handle_status"`
	HandleAddress     sql.NullString `db:"handle_address"`
	HandlePort        sql.NullInt64  `db:"handle_port"`
	HandleCPUMillis   sql.NullInt64  `db:"handle_cpu_millis"`
	HandleMemoryMB    sql.NullInt64  `db:"handle_memory_mb"`
	HandleStorageMB   sql.NullInt64  `db:"handle_storage_mb"`
	HandleCreatedAt   sql.NullTime   `db:"handle_created_at"`
	HandleHealthAt    sql.NullTime   `db:"handle_last_health_check_at"`
	HandleActivityAt  sql.NullTime   `db:"handle_last_activity_at"`
}

const sessionSelect = `
    SELECT s.id, s.user_id, s.project_id, s.provider_id, s.status,
           s.handle_generation, s.failure_reason,
           s.created_at, s.last_accessed_at, s.updated_at,
           h.id AS handle_id, h.provider_id AS handle_provider_id,
           h.status AS handle_status, h.address AS handle_address,
           h.port AS handle_port,
           h.cpu_millis AS handle_cpu_millis, h.memory_mb AS handle_memory_mb,
           h.storage_mb AS handle_storage_mb,
           h.created_at AS handle_created_at,
           h.last_health_check_at AS handle_last_health_check_at,
           h.last_activity_at AS handle_last_activity_at
    FROM sessions s
    LEFT JOIN sandbox_handles h ON h.session_id = s.id
`

// GetByID retrieves a session by ID.
func (r *SessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, sessionSelect+` WHERE s.id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return row.toSession(), nil
}

// FindByUser retrieves all sessions for a user ordered by creation date.
func (r *SessionRepo) FindByUser(ctx context.Context, userID string) ([]*Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, sessionSelect+`
        WHERE s.user_id = $1
        ORDER BY s.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSession())
	}
	return out, nil
}

// FindCurrent retrieves the non-terminal session for a (user, project) pair.
func (r *SessionRepo) FindCurrent(ctx context.Context, userID, projectID string) (*Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, sessionSelect+`
        WHERE s.user_id = $1 AND s.project_id = $2 AND s.status != $3
        ORDER BY s.created_at DESC
        LIMIT 1`, userID, projectID, StatusTerminated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	return row.toSession(), nil
}

// ListNonTerminal retrieves every session that has not been terminated.
func (r *SessionRepo) ListNonTerminal(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, sessionSelect+`
        WHERE s.status != $1
        ORDER BY s.created_at`, StatusTerminated)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSession())
	}
	return out, nil
}

// Upsert writes the session and its handle transactionally.
func (r *SessionRepo) Upsert(ctx context.Context, s *Session) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions (id, user_id, project_id, provider_id, status,
                              handle_generation, failure_reason,
                              created_at, last_accessed_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
        ON CONFLICT (id) DO UPDATE SET
            provider_id = EXCLUDED.provider_id,
            status = EXCLUDED.status,
            handle_generation = EXCLUDED.handle_generation,
            failure_reason = EXCLUDED.failure_reason,
            last_accessed_at = EXCLUDED.last_accessed_at,
            updated_at = NOW()
    `, s.ID, s.UserID, s.ProjectID, s.ProviderID, s.Status,
		s.HandleGeneration, s.FailureReason, s.CreatedAt, s.LastAccessedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	if s.Handle == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sandbox_handles WHERE session_id = $1`, s.ID); err != nil {
			return fmt.Errorf("failed to clear sandbox handle: %w", err)
		}
	} else {
		h := s.Handle
		_, err = tx.ExecContext(ctx, `
            INSERT INTO sandbox_handles (session_id, id, provider_id, status,
                                         address, port, cpu_millis, memory_mb,
                                         storage_mb, created_at,
                                         last_health_check_at, last_activity_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
            ON CONFLICT (session_id) DO UPDATE SET
                id = EXCLUDED.id,
                provider_id = EXCLUDED.provider_id,
                status = EXCLUDED.status,
                address = EXCLUDED.address,
                port = EXCLUDED.port,
                cpu_millis = EXCLUDED.cpu_millis,
                memory_mb = EXCLUDED.memory_mb,
                storage_mb = EXCLUDED.storage_mb,
                last_health_check_at = EXCLUDED.last_health_check_at,
                last_activity_at = EXCLUDED.last_activity_at
        `, s.ID, h.ID, h.ProviderID, h.Status, h.Address, h.Port,
			h.Resources.CPUMillis, h.Resources.MemoryMB, h.Resources.StorageMB,
			h.CreatedAt, h.LastHealthCheckAt, h.LastActivityAt)
		if err != nil {
			return fmt.Errorf("failed to upsert sandbox handle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session upsert: %w", err)
	}
	return nil
}

func (row *sessionRow) toSession() *Session {
	s := &Session{
		ID:               row.ID,
		UserID:           row.UserID,
		ProjectID:        row.ProjectID,
		ProviderID:       row.ProviderID,
		Status:           row.Status,
		HandleGeneration: row.HandleGeneration,
		FailureReason:    row.FailureReason,
		CreatedAt:        row.CreatedAt,
		LastAccessedAt:   row.LastAccessedAt,
		UpdatedAt:        row.UpdatedAt,
	}

	if row.HandleID.Valid {
		s.Handle = &sandbox.Handle{
			ID:         row.HandleID.String,
			ProviderID: row.HandleProviderID.String,
			Status:     sandbox.Status(row.HandleStatus.String),
			Address:    row.HandleAddress.String,
			Port:       int(row.HandlePort.Int64),
			Resources: sandbox.Resources{
				CPUMillis: row.HandleCPUMillis.Int64,
				MemoryMB:  row.HandleMemoryMB.Int64,
				StorageMB: row.HandleStorageMB.Int64,
			},
			CreatedAt:         row.HandleCreatedAt.Time,
			LastHealthCheckAt: row.HandleHealthAt.Time,
			LastActivityAt:    row.HandleActivityAt.Time,
		}
	}

	return s
}
