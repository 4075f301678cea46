package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/curaious/forge/internal/telemetry"
	"github.com/curaious/forge/pkg/sandbox"
)

const defaultProbeInterval = 30 * time.Second

// HandleProbe names one sandbox the monitor should poll individually.
type HandleProbe struct {
	SessionID  uuid.UUID
	ProviderID string
	HandleID   string
}

// HealthSnapshot is the monitor's last complete view of provider health.
// Reads are lock-free; the monitor goroutine is the only writer.
type HealthSnapshot struct {
	CheckedAt time.Time
	Providers map[string]sandbox.HealthStatus
}

// HealthyCount returns how many probed providers were healthy.
func (s HealthSnapshot) HealthyCount() int {
	n := 0
	for _, hs := range s.Providers {
		if hs.Healthy {
			n++
		}
	}
	return n
}

// HealthMonitor probes the providers backing live sessions on a fixed
// interval and publishes the result as an immutable snapshot. It also
// polls individual sandboxes nearing their idle timeout so that silently
// vanished sandboxes are noticed before the next user operation.
type HealthMonitor struct {
	registry *sandbox.Registry
	manager  *Manager
	emitter  *telemetry.Emitter
	interval time.Duration

	snapshot atomic.Value
}

func NewHealthMonitor(registry *sandbox.Registry, manager *Manager, emitter *telemetry.Emitter, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	m := &HealthMonitor{
		registry: registry,
		manager:  manager,
		emitter:  emitter,
		interval: interval,
	}
	m.snapshot.Store(HealthSnapshot{Providers: map[string]sandbox.HealthStatus{}})
	return m
}

// Snapshot returns the latest published health view.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	return m.snapshot.Load().(HealthSnapshot)
}

// Healthy reports whether new work may target the provider. Providers not
// yet probed are assumed healthy; the first real operation against a dead
// backend fails fast on its own.
func (m *HealthMonitor) Healthy(providerID string) bool {
	snap := m.Snapshot()
	hs, ok := snap.Providers[providerID]
	if !ok {
		return true
	}
	return hs.Healthy
}

// Check probes one provider on demand, bypassing the cached snapshot.
func (m *HealthMonitor) Check(ctx context.Context, providerID string) sandbox.HealthStatus {
	return m.registry.HealthCheck(ctx, providerID)
}

// Run probes until ctx is canceled. One round never overlaps the next;
// a slow provider delays only its own round.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	prev := m.Snapshot()
	ids := m.manager.ProvidersInUse()

	next := HealthSnapshot{
		CheckedAt: time.Now().UTC(),
		Providers: make(map[string]sandbox.HealthStatus, len(ids)),
	}
	for _, id := range ids {
		hs := m.registry.HealthCheck(ctx, id)
		next.Providers[id] = hs

		if was, ok := prev.Providers[id]; !ok || was.Healthy != hs.Healthy {
			slog.Info("Provider health changed",
				slog.String("provider", id),
				slog.Bool("healthy", hs.Healthy),
				slog.String("error", hs.Err))
			if m.emitter != nil {
				m.emitter.Emit("provider.health", map[string]any{
					"provider": id,
					"healthy":  hs.Healthy,
					"error":    hs.Err,
				})
			}
		}
	}
	m.snapshot.Store(next)

	for _, p := range m.manager.HandleProbes() {
		provider, err := m.registry.Provider(ctx, p.ProviderID)
		if err != nil {
			continue
		}
		h, err := provider.GetSandbox(ctx, p.HandleID)
		m.manager.RecordHandleCheck(ctx, p.SessionID, h, err)
	}
}
