package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/curaious/forge/pkg/sandbox"
)

// Status is the lifecycle state of a session. A session with no record is
// implicitly uninitialized.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusSuspended    Status = "suspended"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the session can never carry traffic again.
// Failed is retained for inspection and retry, so it is not terminal.
func (s Status) Terminal() bool {
	return s == StatusTerminated
}

// Session is the logical, durable binding between a user's project and a
// (possibly recreated) sandbox over time. The physical sandbox reference
// is the Handle; it may be replaced across re-provisioning cycles while
// the session id stays stable.
type Session struct {
	ID         uuid.UUID `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	ProjectID  string    `json:"project_id" db:"project_id"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Status     Status    `json:"status" db:"status"`

	Handle *sandbox.Handle `json:"handle,omitempty" db:"-"`

	// HandleGeneration counts how many times the physical sandbox has been
	// (re)provisioned for this session.
	HandleGeneration int `json:"handle_generation" db:"handle_generation"`

	// FailureReason is set when Status is failed.
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	// Degraded is a computed view flag: the session's provider is currently
	// reporting unhealthy. Never persisted.
	Degraded bool `json:"degraded,omitempty" db:"-"`

	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at" db:"last_accessed_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy safe to hand out across goroutines.
func (s *Session) Clone() *Session {
	out := *s
	if s.Handle != nil {
		h := *s.Handle
		out.Handle = &h
	}
	return &out
}
