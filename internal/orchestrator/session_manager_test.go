package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/forge/internal/services/session"
	"github.com/curaious/forge/pkg/sandbox"
)

// fakeProvider is an in-memory provider backend for lifecycle tests.
type fakeProvider struct {
	desc sandbox.Descriptor

	mu           sync.Mutex
	sandboxes    map[string]*sandbox.Handle
	createCalls  int
	destroyCalls int
	createErr    error
	execErr      error
	createGate   chan struct{}
	seq          int
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{
		desc: sandbox.Descriptor{
			ID:          id,
			DisplayName: id,
			Config:      sandbox.Config{Image: "forge/sandbox:latest", DaemonPort: 8080},
		},
		sandboxes: make(map[string]*sandbox.Handle),
	}
}

func (p *fakeProvider) Descriptor() sandbox.Descriptor   { return p.desc }
func (p *fakeProvider) Initialize(context.Context) error { return nil }
func (p *fakeProvider) Cleanup(context.Context) error    { return nil }

func (p *fakeProvider) CreateSandbox(_ context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	p.mu.Lock()
	p.createCalls++
	if p.createErr != nil {
		err := p.createErr
		p.mu.Unlock()
		return nil, err
	}
	gate := p.createGate
	p.mu.Unlock()

	// A non-nil gate holds the call mid-flight until the test releases it.
	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	h := &sandbox.Handle{
		ID:         fmt.Sprintf("sb-%d", p.seq),
		ProviderID: p.desc.ID,
		Status:     sandbox.StatusRunning,
		Address:    "10.0.0.1",
		Port:       8080,
		CreatedAt:  time.Now().UTC(),
	}
	p.sandboxes[h.ID] = h
	return h, nil
}

func (p *fakeProvider) GetSandbox(_ context.Context, id string) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.sandboxes[id]
	if !ok {
		return nil, sandbox.NewError(sandbox.KindNotFound, "sandbox "+id+" not found")
	}
	copied := *h
	return &copied, nil
}

func (p *fakeProvider) ExecCommand(_ context.Context, id string, _ sandbox.Command) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.execErr != nil {
		err := p.execErr
		p.execErr = nil
		return nil, err
	}
	if _, ok := p.sandboxes[id]; !ok {
		return nil, sandbox.NewError(sandbox.KindNotFound, "sandbox "+id+" not found")
	}
	return &sandbox.ExecResult{Stdout: "hello", ExitCode: 0}, nil
}

func (p *fakeProvider) ReadFile(_ context.Context, id, _ string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[id]; !ok {
		return nil, sandbox.NewError(sandbox.KindNotFound, "sandbox "+id+" not found")
	}
	return []byte("content"), nil
}

func (p *fakeProvider) WriteFile(_ context.Context, id, _ string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sandboxes[id]; !ok {
		return sandbox.NewError(sandbox.KindNotFound, "sandbox "+id+" not found")
	}
	return nil
}

func (p *fakeProvider) DestroySandbox(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.destroyCalls++
	if _, ok := p.sandboxes[id]; !ok {
		return sandbox.NewError(sandbox.KindNotFound, "sandbox "+id+" not found")
	}
	delete(p.sandboxes, id)
	return nil
}

func (p *fakeProvider) HealthCheck(context.Context) sandbox.HealthStatus {
	return sandbox.HealthStatus{ProviderID: p.desc.ID, Healthy: true, CheckedAt: time.Now().UTC()}
}

// vanish simulates the backend losing a sandbox out from under us.
func (p *fakeProvider) vanish(id string) {
	p.mu.Lock()
	delete(p.sandboxes, id)
	p.mu.Unlock()
}

func (p *fakeProvider) creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

type staticGate struct {
	mu        sync.Mutex
	unhealthy map[string]bool
}

func (g *staticGate) Healthy(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unhealthy[id]
}

func (g *staticGate) set(id string, healthy bool) {
	g.mu.Lock()
	g.unhealthy[id] = !healthy
	g.mu.Unlock()
}

func newTestManager(t *testing.T, providers ...*fakeProvider) (*Manager, *sandbox.Registry) {
	t.Helper()

	r := sandbox.NewRegistry()
	for _, p := range providers {
		p := p
		require.NoError(t, r.Register(p.desc, func(sandbox.Descriptor) (sandbox.Provider, error) {
			return p, nil
		}))
	}

	m := NewManager(session.NewMemoryStore(), r, nil, ManagerConfig{})
	return m, r
}

func TestEnsureActiveProvisions(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, 1, sess.HandleGeneration)
	require.NotNil(t, sess.Handle)
	assert.Equal(t, sandbox.StatusRunning, sess.Handle.Status)
	assert.Equal(t, 1, p.creates())
}

func TestEnsureActiveConcurrentCallsShareOneSandbox(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
			if assert.NoError(t, err) {
				ids <- sess.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id, "all callers must land on the same session")
	}
	assert.Equal(t, 1, p.creates(), "concurrent ensure must create exactly one sandbox")
}

func TestEnsureActiveSeparateProjectsGetSeparateSessions(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	a, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	b, err := m.EnsureActive(context.Background(), "alice", "proj-2", "docker")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, p.creates())
}

func TestEnsureActiveBlockedByHealthGate(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	gate := &staticGate{unhealthy: map[string]bool{"docker": true}}
	m.SetHealthGate(gate)

	_, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.Error(t, err)
	assert.True(t, sandbox.IsKind(err, sandbox.KindProviderUnavailable))
	assert.Equal(t, 0, p.creates(), "provisioning must not reach the backend")

	// The session is failed, not terminated: once the provider recovers the
	// same ensure call retries it.
	gate.set("docker", true)
	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
	assert.Equal(t, 1, sess.HandleGeneration)
}

func TestSuspendAndResume(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	suspended, err := m.Suspend(context.Background(), "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, suspended.Status)

	// Resuming revalidates the still-running sandbox instead of creating a
	// new one.
	resumed, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, resumed.Status)
	assert.Equal(t, sess.Handle.ID, resumed.Handle.ID)
	assert.Equal(t, 1, resumed.HandleGeneration)
	assert.Equal(t, 1, p.creates())
}

func TestResumeReprovisionsVanishedSandbox(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	_, err = m.Suspend(context.Background(), "alice", sess.ID)
	require.NoError(t, err)

	p.vanish(sess.Handle.ID)

	resumed, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, resumed.Status)
	assert.NotEqual(t, sess.Handle.ID, resumed.Handle.ID, "a fresh sandbox must back the session")
	assert.Equal(t, 2, resumed.HandleGeneration)
	assert.Equal(t, sess.ID, resumed.ID, "session identity survives re-provisioning")
}

func TestDestroy(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), "alice", sess.ID))

	// Second destroy reports NotFound.
	err = m.Destroy(context.Background(), "alice", sess.ID)
	assert.True(t, sandbox.IsKind(err, sandbox.KindNotFound))

	// The (user, project) slot is free again.
	fresh, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestDestroyToleratesMissingSandbox(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	p.vanish(sess.Handle.ID)

	assert.NoError(t, m.Destroy(context.Background(), "alice", sess.ID),
		"a sandbox already gone provider-side must not fail the destroy")
}

func TestDestroyWrongUser(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	err = m.Destroy(context.Background(), "mallory", sess.ID)
	assert.True(t, sandbox.IsKind(err, sandbox.KindNotFound), "other users must not see the session")
}

func TestSessionForUse(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	got, err := m.SessionForUse(context.Background(), "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)

	_, err = m.SessionForUse(context.Background(), "mallory", sess.ID)
	assert.True(t, sandbox.IsKind(err, sandbox.KindNotFound))
}

func TestMarkHandleLostTriggersReprovision(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	m.MarkHandleLost(context.Background(), sess.ID)

	got, err := m.SessionForUse(context.Background(), "alice", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
	assert.Equal(t, 2, got.HandleGeneration)
	assert.NotEqual(t, sess.Handle.ID, got.Handle.ID)
}

func TestRehydrateFailsInterruptedProvisioning(t *testing.T) {
	p := newFakeProvider("docker")

	r := sandbox.NewRegistry()
	require.NoError(t, r.Register(p.desc, func(sandbox.Descriptor) (sandbox.Provider, error) {
		return p, nil
	}))

	store := session.NewMemoryStore()
	interrupted := &session.Session{
		ID:         uuid.New(),
		UserID:     "alice",
		ProjectID:  "proj-1",
		ProviderID: "docker",
		Status:     session.StatusProvisioning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(context.Background(), interrupted))

	m := NewManager(store, r, nil, ManagerConfig{})
	require.NoError(t, m.Rehydrate(context.Background()))

	got, err := store.GetByID(context.Background(), interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.NotEmpty(t, got.FailureReason)

	// The failed session is retried on the next ensure.
	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	assert.Equal(t, interrupted.ID, sess.ID)
	assert.Equal(t, session.StatusActive, sess.Status)
}

func TestDestroyDuringProvisioningReturnsBusy(t *testing.T) {
	p := newFakeProvider("docker")
	gate := make(chan struct{})
	p.createGate = gate
	m, _ := newTestManager(t, p)

	done := make(chan error, 1)
	go func() {
		_, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
		done <- err
	}()

	// The session is persisted before the backend call, so once the store
	// sees it the provisioning flight is parked on the gate.
	require.Eventually(t, func() bool {
		_, err := m.store.FindCurrent(context.Background(), "alice", "proj-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	stored, err := m.store.FindCurrent(context.Background(), "alice", "proj-1")
	require.NoError(t, err)

	err = m.Destroy(context.Background(), "alice", stored.ID)
	assert.True(t, sandbox.IsKind(err, sandbox.KindSessionBusy),
		"destroy must not race an in-flight provisioning")

	close(gate)
	require.NoError(t, <-done)

	// With the flight settled the retried destroy goes through.
	require.NoError(t, m.Destroy(context.Background(), "alice", stored.ID))
}

func TestResyncReconcilesPeerChanges(t *testing.T) {
	p := newFakeProvider("docker")
	m, _ := newTestManager(t, p)

	sess, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)

	// A peer replica terminates the first session and creates another one;
	// only the store reflects either change.
	terminated := sess.Clone()
	terminated.Status = session.StatusTerminated
	terminated.Handle = nil
	require.NoError(t, m.store.Upsert(context.Background(), terminated))

	peer := &session.Session{
		ID:             uuid.New(),
		UserID:         "alice",
		ProjectID:      "proj-2",
		ProviderID:     "docker",
		Status:         session.StatusActive,
		CreatedAt:      time.Now().UTC(),
		LastAccessedAt: time.Now().UTC(),
	}
	require.NoError(t, m.store.Upsert(context.Background(), peer))

	require.NoError(t, m.Resync(context.Background()))

	_, err = m.SessionForUse(context.Background(), "alice", sess.ID)
	assert.True(t, sandbox.IsKind(err, sandbox.KindNotFound),
		"a session terminated by a peer must be evicted from the cache")

	got, err := m.SessionForUse(context.Background(), "alice", peer.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, got.Status)
}

func TestProvidersInUse(t *testing.T) {
	docker := newFakeProvider("docker")
	k8s := newFakeProvider("kubernetes")
	m, _ := newTestManager(t, docker, k8s)

	assert.Empty(t, m.ProvidersInUse())

	_, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.NoError(t, err)
	_, err = m.EnsureActive(context.Background(), "bob", "proj-2", "kubernetes")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"docker", "kubernetes"}, m.ProvidersInUse())
}

func TestProvisionFailureIsolatedPerProvider(t *testing.T) {
	docker := newFakeProvider("docker")
	docker.createErr = sandbox.NewError(sandbox.KindResourceExhausted, "out of capacity")
	k8s := newFakeProvider("kubernetes")
	m, _ := newTestManager(t, docker, k8s)

	_, err := m.EnsureActive(context.Background(), "alice", "proj-1", "docker")
	require.Error(t, err)
	assert.True(t, sandbox.IsKind(err, sandbox.KindResourceExhausted))

	// A broken docker backend must not affect kubernetes sessions.
	sess, err := m.EnsureActive(context.Background(), "bob", "proj-2", "kubernetes")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)
}
