package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/curaious/forge/internal/services/session"
	"github.com/curaious/forge/pkg/sandbox"
)

var tracer = otel.Tracer("forge-orchestrator")

// Orchestrator is the single entry point callers use to work with
// sandboxes. It resolves providers, drives the session lifecycle through
// the manager, and routes operations to the sandbox behind the session.
// Callers never touch a Provider directly.
type Orchestrator struct {
	registry        *sandbox.Registry
	manager         *Manager
	monitor         *HealthMonitor
	defaultProvider string
}

func New(registry *sandbox.Registry, manager *Manager, monitor *HealthMonitor, defaultProvider string) *Orchestrator {
	return &Orchestrator{
		registry:        registry,
		manager:         manager,
		monitor:         monitor,
		defaultProvider: defaultProvider,
	}
}

// EnsureSandbox returns an active session for (userID, projectID),
// provisioning or resuming as needed. providerHint picks the provider for
// a new session; an empty hint falls back to the configured default and
// then to any available provider.
func (o *Orchestrator) EnsureSandbox(ctx context.Context, userID, projectID, providerHint string) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.EnsureSandbox",
		trace.WithAttributes(
			attribute.String("user", userID),
			attribute.String("project", projectID),
			attribute.String("provider_hint", providerHint),
		))
	defer span.End()

	providerID, err := o.resolveProvider(providerHint)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", providerID))

	sess, err := o.manager.EnsureActive(ctx, userID, projectID, providerID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return sess, nil
}

// ExecInSandbox runs a command in the session's sandbox. A sandbox that
// vanished provider-side is re-provisioned transparently and the command
// retried once against the fresh one.
func (o *Orchestrator) ExecInSandbox(ctx context.Context, userID string, sessionID uuid.UUID, cmd sandbox.Command) (*sandbox.ExecResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ExecInSandbox",
		trace.WithAttributes(attribute.String("session", sessionID.String())))
	defer span.End()

	out, err := withReprovision(ctx, o, userID, sessionID,
		func(ctx context.Context, p sandbox.Provider, sess *session.Session) (*sandbox.ExecResult, error) {
			return p.ExecCommand(ctx, sess.Handle.ID, cmd)
		})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("exit_code", out.ExitCode))
	return out, nil
}

// ReadFile reads a file from the session's sandbox.
func (o *Orchestrator) ReadFile(ctx context.Context, userID string, sessionID uuid.UUID, path string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ReadFile",
		trace.WithAttributes(
			attribute.String("session", sessionID.String()),
			attribute.String("path", path),
		))
	defer span.End()

	data, err := withReprovision(ctx, o, userID, sessionID,
		func(ctx context.Context, p sandbox.Provider, sess *session.Session) ([]byte, error) {
			return p.ReadFile(ctx, sess.Handle.ID, path)
		})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

// WriteFile writes a file into the session's sandbox.
func (o *Orchestrator) WriteFile(ctx context.Context, userID string, sessionID uuid.UUID, path string, data []byte) error {
	ctx, span := tracer.Start(ctx, "orchestrator.WriteFile",
		trace.WithAttributes(
			attribute.String("session", sessionID.String()),
			attribute.String("path", path),
		))
	defer span.End()

	_, err := withReprovision(ctx, o, userID, sessionID,
		func(ctx context.Context, p sandbox.Provider, sess *session.Session) (struct{}, error) {
			return struct{}{}, p.WriteFile(ctx, sess.Handle.ID, path, data)
		})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// SuspendSession pauses the session without destroying its sandbox record.
func (o *Orchestrator) SuspendSession(ctx context.Context, userID string, sessionID uuid.UUID) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.SuspendSession",
		trace.WithAttributes(attribute.String("session", sessionID.String())))
	defer span.End()

	return o.manager.Suspend(ctx, userID, sessionID)
}

// ResumeSession brings an idle or suspended session back to active.
func (o *Orchestrator) ResumeSession(ctx context.Context, userID string, sessionID uuid.UUID) (*session.Session, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.ResumeSession",
		trace.WithAttributes(attribute.String("session", sessionID.String())))
	defer span.End()

	return o.manager.SessionForUse(ctx, userID, sessionID)
}

// DestroySandbox terminates the session and tears down its sandbox.
func (o *Orchestrator) DestroySandbox(ctx context.Context, userID string, sessionID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "orchestrator.DestroySandbox",
		trace.WithAttributes(attribute.String("session", sessionID.String())))
	defer span.End()

	if err := o.manager.Destroy(ctx, userID, sessionID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// GetSession returns one session with its degraded flag computed.
func (o *Orchestrator) GetSession(ctx context.Context, userID string, sessionID uuid.UUID) (*session.Session, error) {
	sessions, err := o.manager.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", sessionID))
}

// ListSessions returns the user's sessions, degraded flags included.
func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	return o.manager.ListForUser(ctx, userID)
}

// ProviderHealth returns the monitor's latest snapshot plus descriptors
// for providers it has not probed yet.
func (o *Orchestrator) ProviderHealth(ctx context.Context, refresh bool) map[string]sandbox.HealthStatus {
	if refresh {
		return o.registry.HealthCheckAll(ctx)
	}

	snap := o.monitor.Snapshot()
	out := make(map[string]sandbox.HealthStatus, len(o.registry.Descriptors()))
	for k, v := range snap.Providers {
		out[k] = v
	}
	for _, d := range o.registry.Descriptors() {
		if _, ok := out[d.ID]; !ok {
			out[d.ID] = sandbox.HealthStatus{ProviderID: d.ID, Healthy: false, Err: "not probed"}
		}
	}
	return out
}

// Providers returns descriptors for every registered provider variant.
func (o *Orchestrator) Providers() []sandbox.Descriptor {
	return o.registry.Descriptors()
}

// resolveProvider turns a hint into a concrete provider id. Unknown hints
// are a caller error; an unconfigured hint falls through to the default
// and then to the first available provider.
func (o *Orchestrator) resolveProvider(hint string) (string, error) {
	available := o.registry.Available()

	if hint != "" {
		if _, ok := o.registry.Descriptor(hint); !ok {
			return "", sandbox.NewError(sandbox.KindConfigurationInvalid, fmt.Sprintf("unknown provider %q", hint))
		}
		for _, id := range available {
			if id == hint {
				return hint, nil
			}
		}
		return "", sandbox.NewError(sandbox.KindConfigurationInvalid, fmt.Sprintf("provider %q is not configured", hint))
	}

	for _, id := range available {
		if id == o.defaultProvider {
			return id, nil
		}
	}
	if len(available) > 0 {
		return available[0], nil
	}
	return "", sandbox.NewError(sandbox.KindProviderUnavailable, "no sandbox provider is configured")
}

// withReprovision runs op against the session's sandbox, re-provisioning
// once when the sandbox turns out to be gone provider-side.
func withReprovision[T any](ctx context.Context, o *Orchestrator, userID string, sessionID uuid.UUID, op func(context.Context, sandbox.Provider, *session.Session) (T, error)) (T, error) {
	var zero T

	sess, err := o.manager.SessionForUse(ctx, userID, sessionID)
	if err != nil {
		return zero, err
	}

	for attempt := 0; ; attempt++ {
		if sess.Handle == nil {
			return zero, sandbox.NewError(sandbox.KindProviderUnavailable,
				fmt.Sprintf("session %s has no sandbox", sessionID))
		}

		p, err := o.registry.Provider(ctx, sess.ProviderID)
		if err != nil {
			return zero, err
		}

		out, err := op(ctx, p, sess)
		if err == nil {
			return out, nil
		}
		if attempt > 0 || !sandbox.IsKind(err, sandbox.KindNotFound) {
			return zero, err
		}

		// The provider lost the sandbox underneath us. Mark it and let the
		// manager provision a replacement, then retry once.
		o.manager.MarkHandleLost(ctx, sessionID)
		sess, err = o.manager.SessionForUse(ctx, userID, sessionID)
		if err != nil {
			return zero, err
		}
	}
}
