package sandbox

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider counts lifecycle calls so tests can assert single-flight
// construction and cleanup behavior.
type stubProvider struct {
	desc        Descriptor
	initCalls   atomic.Int32
	cleanups    atomic.Int32
	initErr     error
	healthErr   string
	healthDelay time.Duration
}

func (p *stubProvider) Descriptor() Descriptor { return p.desc }

func (p *stubProvider) Initialize(ctx context.Context) error {
	p.initCalls.Add(1)
	return p.initErr
}

func (p *stubProvider) CreateSandbox(ctx context.Context, spec Spec) (*Handle, error) {
	return &Handle{ID: "sb-" + spec.Name, ProviderID: p.desc.ID, Status: StatusRunning}, nil
}

func (p *stubProvider) GetSandbox(ctx context.Context, id string) (*Handle, error) {
	return &Handle{ID: id, ProviderID: p.desc.ID, Status: StatusRunning}, nil
}

func (p *stubProvider) ExecCommand(ctx context.Context, id string, cmd Command) (*ExecResult, error) {
	return &ExecResult{ExitCode: 0}, nil
}

func (p *stubProvider) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	return []byte("data"), nil
}

func (p *stubProvider) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return nil
}

func (p *stubProvider) DestroySandbox(ctx context.Context, id string) error { return nil }

func (p *stubProvider) HealthCheck(ctx context.Context) HealthStatus {
	if p.healthDelay > 0 {
		time.Sleep(p.healthDelay)
	}
	return HealthStatus{
		ProviderID: p.desc.ID,
		Healthy:    p.healthErr == "",
		Err:        p.healthErr,
		CheckedAt:  time.Now().UTC(),
	}
}

func (p *stubProvider) Cleanup(ctx context.Context) error {
	p.cleanups.Add(1)
	return nil
}

func validDescriptor(id string) Descriptor {
	return Descriptor{
		ID:          id,
		DisplayName: id,
		Config:      Config{Image: "forge/sandbox:latest", DaemonPort: 8080},
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validDescriptor("docker"), nil))

	assert.Error(t, r.Register(validDescriptor("docker"), nil), "duplicate id must be rejected")
	assert.Error(t, r.Register(Descriptor{}, nil), "empty id must be rejected")
}

func TestRegistryAvailable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validDescriptor("docker"), nil))
	require.NoError(t, r.Register(Descriptor{
		ID:     "kubernetes",
		Config: Config{Image: "", DaemonPort: 8080},
	}, nil))

	assert.Equal(t, []string{"docker"}, r.Available(), "missing image means not available")
}

func TestRegistryProviderSingleFlight(t *testing.T) {
	stub := &stubProvider{desc: validDescriptor("docker")}

	r := NewRegistry()
	require.NoError(t, r.Register(stub.desc, func(Descriptor) (Provider, error) {
		return stub, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.Provider(context.Background(), "docker")
			assert.NoError(t, err)
			assert.Same(t, Provider(stub), p)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), stub.initCalls.Load(), "concurrent callers must share one initialization")
}

func TestRegistryProviderUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Provider(context.Background(), "nope")
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRegistryProviderInvalidConfig(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{ID: "docker"}, nil))

	_, err := r.Provider(context.Background(), "docker")
	assert.True(t, IsKind(err, KindConfigurationInvalid))
}

func TestRegistryProviderInitFailureNotCached(t *testing.T) {
	stub := &stubProvider{desc: validDescriptor("docker"), initErr: NewError(KindProviderUnavailable, "daemon down")}

	r := NewRegistry()
	require.NoError(t, r.Register(stub.desc, func(Descriptor) (Provider, error) {
		return stub, nil
	}))

	_, err := r.Provider(context.Background(), "docker")
	require.Error(t, err)

	// A failed initialization must not poison the cache: clearing the error
	// lets the next call succeed.
	stub.initErr = nil
	p, err := r.Provider(context.Background(), "docker")
	require.NoError(t, err)
	assert.Same(t, Provider(stub), p)
	assert.Equal(t, int32(2), stub.initCalls.Load())
}

func TestRegistryHealthCheck(t *testing.T) {
	healthy := &stubProvider{desc: validDescriptor("docker")}
	sick := &stubProvider{desc: validDescriptor("kubernetes"), healthErr: "api server unreachable"}

	r := NewRegistry()
	require.NoError(t, r.Register(healthy.desc, func(Descriptor) (Provider, error) { return healthy, nil }))
	require.NoError(t, r.Register(sick.desc, func(Descriptor) (Provider, error) { return sick, nil }))

	result := r.HealthCheckAll(context.Background())
	require.Len(t, result, 2)
	assert.True(t, result["docker"].Healthy)
	assert.False(t, result["kubernetes"].Healthy)
	assert.Equal(t, "api server unreachable", result["kubernetes"].Err)

	// Unknown ids report an unhealthy record, never an error.
	hs := r.HealthCheck(context.Background(), "nope")
	assert.False(t, hs.Healthy)
	assert.Equal(t, string(KindNotFound), hs.Err)
}

func TestRegistryHealthCheckInvalidConfig(t *testing.T) {
	r := NewRegistry()

	broken := validDescriptor("docker")
	broken.Config.Image = ""
	require.NoError(t, r.Register(broken, func(Descriptor) (Provider, error) {
		t.Error("factory must not run for an invalid configuration")
		return nil, nil
	}))

	hs := r.HealthCheck(context.Background(), "docker")
	assert.False(t, hs.Healthy)
	assert.Equal(t, string(KindConfigurationInvalid), hs.Err)
	assert.False(t, hs.CheckedAt.IsZero())
}

func TestRegistryCleanupAll(t *testing.T) {
	stub := &stubProvider{desc: validDescriptor("docker")}

	r := NewRegistry()
	require.NoError(t, r.Register(stub.desc, func(Descriptor) (Provider, error) { return stub, nil }))

	_, err := r.Provider(context.Background(), "docker")
	require.NoError(t, err)

	r.CleanupAll(context.Background())
	assert.Equal(t, int32(1), stub.cleanups.Load())

	// The cache was cleared, so the next request constructs a new instance.
	_, err = r.Provider(context.Background(), "docker")
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.initCalls.Load())
}
