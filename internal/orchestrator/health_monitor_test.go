package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorDefaultsHealthy(t *testing.T) {
	docker := newFakeProvider("docker")
	m, r := newTestManager(t, docker)
	monitor := NewHealthMonitor(r, m, nil, 0)

	assert.True(t, monitor.Healthy("docker"), "unprobed providers are assumed healthy")
	assert.True(t, monitor.Healthy("nonexistent"))
}

func TestHealthMonitorProbesProvidersInUse(t *testing.T) {
	docker := newFakeProvider("docker")
	k8s := newFakeProvider("kubernetes")
	m, r := newTestManager(t, docker, k8s)
	monitor := NewHealthMonitor(r, m, nil, 0)

	_, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	monitor.probe(context.Background())

	snap := monitor.Snapshot()
	require.Contains(t, snap.Providers, "docker")
	assert.True(t, snap.Providers["docker"].Healthy)
	assert.NotContains(t, snap.Providers, "kubernetes", "idle variants are not probed")
	assert.Equal(t, 1, snap.HealthyCount())
}

func TestHealthMonitorCheckOnDemand(t *testing.T) {
	docker := newFakeProvider("docker")
	m, r := newTestManager(t, docker)
	monitor := NewHealthMonitor(r, m, nil, 0)

	hs := monitor.Check(context.Background(), "docker")
	assert.True(t, hs.Healthy)

	hs = monitor.Check(context.Background(), "nonexistent")
	assert.False(t, hs.Healthy)
}

func TestHealthMonitorNoticesLostHandles(t *testing.T) {
	docker := newFakeProvider("docker")
	m, r := newTestManager(t, docker)
	_ = NewHealthMonitor(r, m, nil, 0)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	docker.vanish(sess.Handle.ID)

	// Per-handle probes only cover sessions nearing their idle timeout, so
	// drive the check directly.
	p, err := r.Provider(context.Background(), "docker")
	require.NoError(t, err)
	h, err := p.GetSandbox(context.Background(), sess.Handle.ID)
	m.RecordHandleCheck(context.Background(), sess.ID, h, err)

	got, err := m.SessionForUse(context.Background(), "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.HandleGeneration, "a lost handle must be replaced on next use")
}
