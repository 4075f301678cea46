package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Factory constructs a provider instance for a descriptor. Factories are
// registered once at startup; all variant dispatch happens here instead of
// type switches scattered across call sites.
type Factory func(Descriptor) (Provider, error)

// Registry is the single source of truth for which provider instances
// exist. It owns at most one live instance per provider id, constructed
// lazily with single-flight semantics so concurrent callers share one
// backend handshake.
//
// The registry is constructed explicitly and passed down; there is no
// package-level singleton. Its lifecycle is tied to process startup and
// shutdown (CleanupAll).
type Registry struct {
	descriptors map[string]Descriptor
	factories   map[string]Factory

	mu        sync.RWMutex
	instances map[string]Provider

	group singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		factories:   make(map[string]Factory),
		instances:   make(map[string]Provider),
	}
}

// Register adds a provider variant. Called during startup wiring only.
func (r *Registry) Register(d Descriptor, f Factory) error {
	if d.ID == "" {
		return fmt.Errorf("descriptor id is required")
	}
	if _, exists := r.descriptors[d.ID]; exists {
		return fmt.Errorf("provider %q already registered", d.ID)
	}

	r.descriptors[d.ID] = d
	r.factories[d.ID] = f
	return nil
}

// Descriptor returns the descriptor for a provider id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	d, ok := r.descriptors[id]
	return d, ok
}

// Descriptors returns all registered descriptors sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns the provider ids whose configuration is present and
// valid. This is a cheap local check, not a network probe.
func (r *Registry) Available() []string {
	var out []string
	for id, d := range r.descriptors {
		if d.Config.Validate() == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Provider returns the cached instance for id, constructing and
// initializing one on first request. Concurrent callers for the same
// uninitialized id block on a single construction.
func (r *Registry) Provider(ctx context.Context, id string) (Provider, error) {
	d, ok := r.descriptors[id]
	if !ok {
		return nil, NewError(KindNotFound, fmt.Sprintf("unknown provider %q", id))
	}
	if err := d.Config.Validate(); err != nil {
		return nil, WrapError(KindConfigurationInvalid, fmt.Sprintf("provider %q configuration invalid", id), err)
	}

	if p := r.cached(id); p != nil {
		return p, nil
	}

	out, err, _ := r.group.Do(id, func() (any, error) {
		// Re-check under single flight: a racing caller may have won.
		if p := r.cached(id); p != nil {
			return p, nil
		}

		p, err := r.factories[id](d)
		if err != nil {
			return nil, WrapError(KindProviderUnavailable, fmt.Sprintf("construct provider %q", id), err)
		}

		if err := p.Initialize(ctx); err != nil {
			return nil, Normalize(err, fmt.Sprintf("initialize provider %q", id))
		}

		r.mu.Lock()
		r.instances[id] = p
		r.mu.Unlock()

		return p, nil
	})
	if err != nil {
		return nil, err
	}

	return out.(Provider), nil
}

// InitializeAll eagerly initializes every available provider. Failures are
// captured per provider and never block the others.
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	ids := r.Available()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string]error, len(ids))
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.Provider(ctx, id)

			mu.Lock()
			result[id] = err
			mu.Unlock()

			if err != nil {
				slog.Warn("Provider initialization failed", slog.String("provider", id), slog.Any("error", err))
			}
		}(id)
	}
	wg.Wait()

	return result
}

// HealthCheck returns a uniform health record for one provider, converting
// every failure mode into an unhealthy record rather than propagating.
func (r *Registry) HealthCheck(ctx context.Context, id string) HealthStatus {
	status := HealthStatus{ProviderID: id, CheckedAt: time.Now().UTC()}

	d, ok := r.descriptors[id]
	if !ok {
		status.Err = string(KindNotFound)
		return status
	}
	if err := d.Config.Validate(); err != nil {
		status.Err = string(KindConfigurationInvalid)
		return status
	}

	p, err := r.Provider(ctx, id)
	if err != nil {
		status.Err = string(KindOf(err))
		return status
	}

	return p.HealthCheck(ctx)
}

// HealthCheckAll probes every registered provider in parallel.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result = make(map[string]HealthStatus, len(r.descriptors))
	)

	for id := range r.descriptors {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			hs := r.HealthCheck(ctx, id)

			mu.Lock()
			result[id] = hs
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return result
}

// CleanupAll releases every cached instance in parallel, best effort, then
// clears the cache. A provider that fails to clean up is still removed
// from the active set; its orphaned resources are logged for follow-up.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]Provider)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, p := range instances {
		wg.Add(1)
		go func(id string, p Provider) {
			defer wg.Done()
			if err := p.Cleanup(ctx); err != nil {
				slog.Warn("Provider cleanup failed, resources may be orphaned",
					slog.String("provider", id), slog.Any("error", err))
			}
		}(id, p)
	}
	wg.Wait()
}

func (r *Registry) cached(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[id]
}
