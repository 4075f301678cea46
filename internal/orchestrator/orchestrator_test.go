package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/forge/internal/services/session"
	"github.com/curaious/forge/pkg/sandbox"
)

func newTestOrchestrator(t *testing.T, defaultProvider string, providers ...*fakeProvider) (*Orchestrator, *Manager) {
	t.Helper()

	m, r := newTestManager(t, providers...)
	monitor := NewHealthMonitor(r, m, nil, 0)
	return New(r, m, monitor, defaultProvider), m
}

func TestEnsureSandboxUsesHint(t *testing.T) {
	docker := newFakeProvider("docker")
	k8s := newFakeProvider("kubernetes")
	o, _ := newTestOrchestrator(t, "docker", docker, k8s)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "kubernetes")
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", sess.ProviderID)
}

func TestEnsureSandboxUnknownHint(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	_, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "firecracker")
	assert.True(t, sandbox.IsKind(err, sandbox.KindConfigurationInvalid))
}

func TestEnsureSandboxDefaultProvider(t *testing.T) {
	docker := newFakeProvider("docker")
	k8s := newFakeProvider("kubernetes")
	o, _ := newTestOrchestrator(t, "kubernetes", docker, k8s)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", sess.ProviderID)
}

func TestEnsureSandboxFallsBackToAvailable(t *testing.T) {
	docker := newFakeProvider("docker")
	// Default points at a variant that was never registered.
	o, _ := newTestOrchestrator(t, "kubernetes", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)
	assert.Equal(t, "docker", sess.ProviderID)
}

func TestEnsureSandboxNoProviders(t *testing.T) {
	o, _ := newTestOrchestrator(t, "docker")

	_, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	assert.True(t, sandbox.IsKind(err, sandbox.KindProviderUnavailable))
}

func TestExecInSandbox(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	out, err := o.ExecInSandbox(context.Background(), "alice", sess.ID, sandbox.Command{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Stdout)
	assert.Equal(t, 0, out.ExitCode)
}

func TestExecInSandboxReprovisionsLostSandbox(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	// The backend loses the sandbox between ensure and exec.
	docker.vanish(sess.Handle.ID)

	out, err := o.ExecInSandbox(context.Background(), "alice", sess.ID, sandbox.Command{Command: "echo hello"})
	require.NoError(t, err, "exec must transparently re-provision and retry once")
	assert.Equal(t, "hello", out.Stdout)
	assert.Equal(t, 2, docker.creates())

	got, err := o.GetSession(context.Background(), "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.HandleGeneration)
}

func TestExecInSandboxNonNotFoundErrorPropagates(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	docker.execErr = sandbox.NewError(sandbox.KindResourceExhausted, "oom")

	_, err = o.ExecInSandbox(context.Background(), "alice", sess.ID, sandbox.Command{Command: "echo"})
	assert.True(t, sandbox.IsKind(err, sandbox.KindResourceExhausted))
	assert.Equal(t, 1, docker.creates(), "only lost sandboxes trigger re-provisioning")
}

func TestReadWriteFile(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	require.NoError(t, o.WriteFile(context.Background(), "alice", sess.ID, "main.go", []byte("package main")))

	data, err := o.ReadFile(context.Background(), "alice", sess.ID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), data)
}

func TestDestroySandboxThenOperationsFail(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	sess, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	require.NoError(t, o.DestroySandbox(context.Background(), "alice", sess.ID))

	_, err = o.ExecInSandbox(context.Background(), "alice", sess.ID, sandbox.Command{Command: "echo"})
	assert.True(t, sandbox.IsKind(err, sandbox.KindNotFound))
}

func TestListSessions(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	_, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)
	_, err = o.EnsureSandbox(context.Background(), "alice", "proj-2", "")
	require.NoError(t, err)
	_, err = o.EnsureSandbox(context.Background(), "bob", "proj-1", "")
	require.NoError(t, err)

	sessions, err := o.ListSessions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "alice", s.UserID)
		assert.Equal(t, session.StatusActive, s.Status)
	}
}

func TestListSessionsDegradedFlag(t *testing.T) {
	docker := newFakeProvider("docker")
	o, m := newTestOrchestrator(t, "docker", docker)

	_, err := o.EnsureSandbox(context.Background(), "alice", "proj-1", "")
	require.NoError(t, err)

	gate := &staticGate{unhealthy: map[string]bool{"docker": true}}
	m.SetHealthGate(gate)

	sessions, err := o.ListSessions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Degraded, "sessions on an unhealthy provider must be flagged")
	assert.Equal(t, session.StatusActive, sessions[0].Status, "degraded must not change the lifecycle state")
}

func TestProviderHealthIncludesUnprobed(t *testing.T) {
	docker := newFakeProvider("docker")
	o, _ := newTestOrchestrator(t, "docker", docker)

	health := o.ProviderHealth(context.Background(), false)
	require.Contains(t, health, "docker")
	assert.False(t, health["docker"].Healthy)
	assert.Equal(t, "not probed", health["docker"].Err)

	health = o.ProviderHealth(context.Background(), true)
	assert.True(t, health["docker"].Healthy)
}
