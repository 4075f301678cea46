package sandbox

// Package sandbox defines the provider contract for remote development
// sandboxes and the registry that owns provider instances.
//
// This file intentionally only defines the types and interfaces that
// higher-level code can depend on. Concrete backends live in the
// docker_sandbox and k8s_sandbox sub-packages.

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

// Capability names a single operation a provider backend supports.
type Capability string

const (
	CapabilityExec       Capability = "exec"
	CapabilityFileRead   Capability = "file_read"
	CapabilityFileWrite  Capability = "file_write"
	CapabilityPortExpose Capability = "port_expose"
	CapabilitySnapshot   Capability = "snapshot"
)

// Status is the normalized runtime state of a sandbox across providers.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
)

// Config holds the backend connection settings for one provider variant.
// It is validated locally (no network) before the variant is ever used.
type Config struct {
	// Docker settings.
	Network string `validate:"-"`

	// Kubernetes settings.
	Namespace string `validate:"-"`
	Image     string `validate:"required"`

	// Port the sandbox daemon listens on inside the container/pod.
	DaemonPort int `validate:"required,min=1,max=65535"`
}

var configValidator = validator.New()

// Validate performs the cheap local configuration check used by
// Registry.Available. It never touches the network.
func (c Config) Validate() error {
	return configValidator.Struct(c)
}

// Descriptor identifies one provider variant. Immutable once constructed;
// exactly one descriptor exists per variant.
type Descriptor struct {
	ID           string
	DisplayName  string
	Capabilities []Capability
	Config       Config

	// DefaultIdleTimeout is how long a session backed by this provider may
	// sit untouched before it is moved to idle.
	DefaultIdleTimeout time.Duration
}

// Supports reports whether the variant advertises the given capability.
func (d Descriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Resources are the limits requested for a sandbox.
type Resources struct {
	CPUMillis int64 `json:"cpu_millis"`
	MemoryMB  int64 `json:"memory_mb"`
	StorageMB int64 `json:"storage_mb"`
}

// Spec describes the sandbox to create.
type Spec struct {
	// Name seeds the provider-side resource name. Providers may decorate it.
	Name      string
	Image     string
	Resources Resources
	Labels    map[string]string
}

// Handle is the current physical reference to a live sandbox instance.
// It is owned by whichever session references it; a handle with no owning
// session is orphaned and eligible for reclamation.
type Handle struct {
	ID         string    `json:"id" db:"id"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	Status     Status    `json:"status" db:"status"`
	Address    string    `json:"address" db:"address"`
	Port       int       `json:"port" db:"port"`
	Resources  Resources `json:"resources" db:"-"`

	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	LastHealthCheckAt time.Time `json:"last_health_check_at" db:"last_health_check_at"`
	LastActivityAt    time.Time `json:"last_activity_at" db:"last_activity_at"`
}

// Command is a single command execution request against a sandbox.
type Command struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// ExecResult is the normalized result of a command execution.
type ExecResult struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	DurationMilli int64  `json:"duration_ms"`
}

// HealthStatus is the uniform health record for one provider. Failures are
// folded into the record rather than returned as errors.
type HealthStatus struct {
	ProviderID string    `json:"provider_id"`
	Healthy    bool      `json:"healthy"`
	LatencyMs  int64     `json:"latency_ms"`
	Err        string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Provider is the capability contract every variant implements.
//
// All operations may fail with a taxonomy error (see errors.go); callers
// must treat ProviderUnavailable and Timeout as retryable and NotFound as
// terminal for the referenced target. Implementations normalize their
// backend-specific errors before returning, so provider error shapes never
// leak past this boundary.
type Provider interface {
	// Descriptor returns the immutable variant descriptor.
	Descriptor() Descriptor

	// Initialize performs the network-side handshake / credential check.
	Initialize(ctx context.Context) error

	// CreateSandbox provisions a new sandbox.
	CreateSandbox(ctx context.Context, spec Spec) (*Handle, error)

	// GetSandbox returns the current state of an existing sandbox, or a
	// NotFound error when the backend no longer knows it.
	GetSandbox(ctx context.Context, id string) (*Handle, error)

	// ExecCommand runs a command inside the sandbox.
	ExecCommand(ctx context.Context, id string, cmd Command) (*ExecResult, error)

	// ReadFile reads a file from the sandbox filesystem.
	ReadFile(ctx context.Context, id, path string) ([]byte, error)

	// WriteFile writes a file into the sandbox filesystem.
	WriteFile(ctx context.Context, id, path string, data []byte) error

	// DestroySandbox tears the sandbox down. Destroying an already-gone
	// sandbox returns a NotFound error.
	DestroySandbox(ctx context.Context, id string) error

	// HealthCheck probes backend liveness. It never returns an error;
	// failures are reported through the status record.
	HealthCheck(ctx context.Context) HealthStatus

	// Cleanup releases every resource held by this instance. Idempotent.
	Cleanup(ctx context.Context) error
}
