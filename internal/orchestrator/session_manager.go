package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/curaious/forge/internal/services/session"
	"github.com/curaious/forge/internal/telemetry"
	"github.com/curaious/forge/pkg/sandbox"
)

const (
	defaultIdleTimeout = 30 * time.Minute
	defaultSessionTTL  = 24 * time.Hour
)

// HealthGate answers whether new provisioning may target a provider. The
// health monitor implements it; a nil gate allows everything.
type HealthGate interface {
	Healthy(providerID string) bool
}

// ManagerConfig tunes the session lifecycle policies.
type ManagerConfig struct {
	// SessionTTL is the hard expiry: an idle or suspended session that is
	// not resumed within this window is terminated by the sweeper.
	SessionTTL time.Duration

	// SweepInterval is how often the idle/expiry sweeper runs.
	SweepInterval time.Duration
}

// Manager owns the session state machine. It maps (user, project) pairs to
// sessions, drives provisioning, resumption and teardown through the
// provider registry, and mirrors every transition into the store.
//
// Concurrency: the mutex guards only the in-memory tables; no lock is ever
// held across a remote call. Exactly one transition is in flight per
// session, tracked in the inflight map; identical "ensure active" requests
// collapse onto one flight, conflicting requests fail with SessionBusy.
type Manager struct {
	store    session.Store
	registry *sandbox.Registry
	emitter  *telemetry.Emitter
	cfg      ManagerConfig

	gate HealthGate

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	byKey    map[string]uuid.UUID
	inflight map[uuid.UUID]string

	ensureGroup singleflight.Group
}

func NewManager(store session.Store, registry *sandbox.Registry, emitter *telemetry.Emitter, cfg ManagerConfig) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	return &Manager{
		store:    store,
		registry: registry,
		emitter:  emitter,
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*session.Session),
		byKey:    make(map[string]uuid.UUID),
		inflight: make(map[uuid.UUID]string),
	}
}

// SetHealthGate wires the health monitor in after construction; the
// monitor needs the manager to know which providers are in use, so the two
// cannot reference each other in their constructors.
func (m *Manager) SetHealthGate(g HealthGate) {
	m.mu.Lock()
	m.gate = g
	m.mu.Unlock()
}

// Rehydrate loads the durable session mirror into memory. Sessions caught
// mid-provisioning by a process restart are marked failed; the next ensure
// call retries them with a fresh sandbox.
func (m *Manager) Rehydrate(ctx context.Context) error {
	all, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate sessions: %w", err)
	}

	m.mu.Lock()
	for _, s := range all {
		if s.Status == session.StatusProvisioning {
			s.Status = session.StatusFailed
			s.FailureReason = "provisioning interrupted by restart"
		}
		m.sessions[s.ID] = s
		m.byKey[sessionKey(s.UserID, s.ProjectID)] = s.ID
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, s := range all {
		if s.Status == session.StatusFailed && s.FailureReason == "provisioning interrupted by restart" {
			if err := m.store.Upsert(ctx, s); err != nil {
				slog.Warn("Failed to persist interrupted session", slog.String("session", s.ID.String()), slog.Any("error", err))
			}
		}
	}

	slog.Info("Rehydrated sessions", slog.Int("count", count))
	return nil
}

// EnsureActive returns an active session for (userID, projectID), creating
// and provisioning one when none exists, resuming it when idle or
// suspended, and retrying when failed. Concurrent calls for the same pair
// share a single transition.
func (m *Manager) EnsureActive(ctx context.Context, userID, projectID, providerID string) (*session.Session, error) {
	key := sessionKey(userID, projectID)
	v, err, _ := m.ensureGroup.Do(key, func() (any, error) {
		return m.ensure(ctx, userID, projectID, providerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (m *Manager) ensure(ctx context.Context, userID, projectID, providerID string) (*session.Session, error) {
	now := time.Now().UTC()
	key := sessionKey(userID, projectID)

	m.mu.Lock()

	var sess *session.Session
	if id, ok := m.byKey[key]; ok {
		sess = m.sessions[id]
	}

	if sess != nil {
		if op, busy := m.inflight[sess.ID]; busy {
			m.mu.Unlock()
			return nil, sandbox.NewError(sandbox.KindSessionBusy,
				fmt.Sprintf("session %s has a %s transition in flight", sess.ID, op))
		}
	}

	switch {
	case sess == nil:
		sess = &session.Session{
			ID:             uuid.New(),
			UserID:         userID,
			ProjectID:      projectID,
			ProviderID:     providerID,
			Status:         session.StatusProvisioning,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		m.sessions[sess.ID] = sess
		m.byKey[key] = sess.ID
		m.inflight[sess.ID] = "provisioning"
		snapshot := sess.Clone()
		m.mu.Unlock()
		return m.provision(ctx, snapshot)

	case sess.Status == session.StatusActive:
		sess.LastAccessedAt = now
		snapshot := sess.Clone()
		m.mu.Unlock()
		m.persist(ctx, snapshot)
		return snapshot, nil

	case sess.Status == session.StatusIdle || sess.Status == session.StatusSuspended:
		m.inflight[sess.ID] = "resuming"
		snapshot := sess.Clone()
		m.mu.Unlock()
		return m.resume(ctx, snapshot)

	default:
		// Failed (retry) or a provisioning record left behind by a dead
		// flight: run a fresh provisioning cycle.
		sess.Status = session.StatusProvisioning
		sess.FailureReason = ""
		sess.LastAccessedAt = now
		m.inflight[sess.ID] = "provisioning"
		snapshot := sess.Clone()
		m.mu.Unlock()
		return m.provision(ctx, snapshot)
	}
}

// SessionForUse returns the session ready to carry an operation,
// transparently resuming it when idle or suspended. The caller must own
// the session.
func (m *Manager) SessionForUse(ctx context.Context, userID string, id uuid.UUID) (*session.Session, error) {
	m.mu.Lock()
	sess := m.sessions[id]
	if sess == nil || sess.UserID != userID {
		m.mu.Unlock()
		return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", id))
	}

	if op, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return nil, sandbox.NewError(sandbox.KindSessionBusy,
			fmt.Sprintf("session %s has a %s transition in flight", id, op))
	}

	status := sess.Status
	projectID := sess.ProjectID
	providerID := sess.ProviderID

	if status == session.StatusActive {
		sess.LastAccessedAt = time.Now().UTC()
		snapshot := sess.Clone()
		m.mu.Unlock()
		m.persist(ctx, snapshot)
		return snapshot, nil
	}
	m.mu.Unlock()

	switch status {
	case session.StatusIdle, session.StatusSuspended, session.StatusFailed:
		return m.EnsureActive(ctx, userID, projectID, providerID)
	default:
		return nil, sandbox.NewError(sandbox.KindSessionBusy,
			fmt.Sprintf("session %s is %s", id, status))
	}
}

// RefreshSession reloads one session from the durable mirror, applying a
// transition written by a peer replica to the local cache. Sessions with a
// local transition in flight are left alone; the local flight's outcome
// wins and is persisted over the peer's view.
func (m *Manager) RefreshSession(ctx context.Context, id uuid.UUID) {
	fresh, err := m.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			m.mu.Lock()
			if s, ok := m.sessions[id]; ok {
				delete(m.sessions, id)
				delete(m.byKey, sessionKey(s.UserID, s.ProjectID))
			}
			m.mu.Unlock()
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inflight[id]; busy {
		return
	}

	key := sessionKey(fresh.UserID, fresh.ProjectID)
	if fresh.Status.Terminal() {
		delete(m.sessions, id)
		if m.byKey[key] == id {
			delete(m.byKey, key)
		}
		return
	}

	m.sessions[id] = fresh
	m.byKey[key] = id
}

// Resync reconciles the whole cache against the durable mirror. Used when
// change notifications may have been missed (listener reconnect): every
// session known to either side is re-read, so peer transitions are picked
// up and sessions terminated elsewhere are evicted.
func (m *Manager) Resync(ctx context.Context) error {
	stored, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("resync sessions: %w", err)
	}

	ids := make(map[uuid.UUID]struct{}, len(stored))
	for _, s := range stored {
		ids[s.ID] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.sessions {
		ids[id] = struct{}{}
	}
	m.mu.Unlock()

	for id := range ids {
		m.RefreshSession(ctx, id)
	}

	slog.Info("Resynced sessions from store", slog.Int("count", len(ids)))
	return nil
}

// MarkHandleLost records that the provider no longer knows the session's
// sandbox. The next ensure call re-provisions transparently.
func (m *Manager) MarkHandleLost(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	sess := m.sessions[id]
	if sess == nil || sess.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.Status = session.StatusFailed
	sess.FailureReason = "sandbox no longer exists on provider"
	sess.Handle = nil
	snapshot := sess.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
}

// Suspend pauses an active or idle session. The sandbox metadata is kept;
// the provider may reclaim compute behind it.
func (m *Manager) Suspend(ctx context.Context, userID string, id uuid.UUID) (*session.Session, error) {
	m.mu.Lock()
	sess := m.sessions[id]
	if sess == nil || sess.UserID != userID {
		m.mu.Unlock()
		return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", id))
	}
	if op, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return nil, sandbox.NewError(sandbox.KindSessionBusy,
			fmt.Sprintf("session %s has a %s transition in flight", id, op))
	}
	if sess.Status != session.StatusActive && sess.Status != session.StatusIdle {
		m.mu.Unlock()
		return nil, sandbox.NewError(sandbox.KindSessionBusy,
			fmt.Sprintf("session %s cannot be suspended from %s", id, sess.Status))
	}

	sess.Status = session.StatusSuspended
	snapshot := sess.Clone()
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.emit("session.suspended", snapshot)
	return snapshot, nil
}

// Destroy terminates the session and tears down its sandbox. Destroying a
// session that no longer exists returns NotFound; destroying one with a
// transition in flight returns SessionBusy.
func (m *Manager) Destroy(ctx context.Context, userID string, id uuid.UUID) error {
	m.mu.Lock()
	sess := m.sessions[id]
	if sess == nil || (userID != "" && sess.UserID != userID) {
		m.mu.Unlock()
		return sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", id))
	}
	if op, busy := m.inflight[id]; busy {
		m.mu.Unlock()
		return sandbox.NewError(sandbox.KindSessionBusy,
			fmt.Sprintf("session %s has a %s transition in flight", id, op))
	}
	m.inflight[id] = "terminating"
	snapshot := sess.Clone()
	m.mu.Unlock()

	defer m.clearInflight(id)

	if snapshot.Handle != nil {
		p, err := m.registry.Provider(ctx, snapshot.ProviderID)
		if err == nil {
			err = p.DestroySandbox(ctx, snapshot.Handle.ID)
		}
		if err != nil && !sandbox.IsKind(err, sandbox.KindNotFound) {
			return err
		}
	}

	m.mu.Lock()
	sess = m.sessions[id]
	if sess != nil {
		sess.Status = session.StatusTerminated
		sess.Handle = nil
		snapshot = sess.Clone()
		delete(m.sessions, id)
		delete(m.byKey, sessionKey(snapshot.UserID, snapshot.ProjectID))
	}
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.emit("session.terminated", snapshot)
	return nil
}

// ListForUser returns the user's sessions from the durable mirror, with
// live in-memory state overlaid and the degraded flag computed from
// provider health.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	stored, err := m.store.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	gate := m.gate
	for i, s := range stored {
		if live, ok := m.sessions[s.ID]; ok {
			stored[i] = live.Clone()
		}
	}
	m.mu.Unlock()

	if gate != nil {
		for _, s := range stored {
			if !s.Status.Terminal() && !gate.Healthy(s.ProviderID) {
				s.Degraded = true
			}
		}
	}
	return stored, nil
}

// ProvidersInUse returns the ids of providers backing at least one active
// or idle session. The health monitor probes exactly this set.
func (m *Manager) ProvidersInUse() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.Status == session.StatusActive || s.Status == session.StatusIdle {
			seen[s.ProviderID] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// HandleProbes returns the sandbox handles the health monitor should poll
// individually: those backing sessions approaching their idle timeout.
func (m *Manager) HandleProbes() []HandleProbe {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []HandleProbe
	for _, s := range m.sessions {
		if s.Status != session.StatusActive || s.Handle == nil {
			continue
		}
		timeout := m.idleTimeoutLocked(s.ProviderID)
		if now.Sub(s.LastAccessedAt) > timeout/2 {
			out = append(out, HandleProbe{
				SessionID:  s.ID,
				ProviderID: s.ProviderID,
				HandleID:   s.Handle.ID,
			})
		}
	}
	return out
}

// RecordHandleCheck stores the result of a per-handle liveness probe.
func (m *Manager) RecordHandleCheck(ctx context.Context, sessionID uuid.UUID, h *sandbox.Handle, err error) {
	if err != nil {
		if sandbox.IsKind(err, sandbox.KindNotFound) {
			m.MarkHandleLost(ctx, sessionID)
		}
		return
	}

	m.mu.Lock()
	sess := m.sessions[sessionID]
	if sess == nil || sess.Handle == nil || sess.Handle.ID != h.ID {
		m.mu.Unlock()
		return
	}
	sess.Handle.Status = h.Status
	sess.Handle.LastHealthCheckAt = time.Now().UTC()
	m.mu.Unlock()
}

// RunSweeper applies the idle-timeout and hard-expiry policies until ctx
// is canceled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	var toIdle []*session.Session
	var toExpire []uuid.UUID

	m.mu.Lock()
	for id, s := range m.sessions {
		if _, busy := m.inflight[id]; busy {
			continue
		}
		switch s.Status {
		case session.StatusActive:
			if now.Sub(s.LastAccessedAt) > m.idleTimeoutLocked(s.ProviderID) {
				s.Status = session.StatusIdle
				toIdle = append(toIdle, s.Clone())
			}
		case session.StatusIdle, session.StatusSuspended, session.StatusFailed:
			if now.Sub(s.LastAccessedAt) > m.cfg.SessionTTL {
				toExpire = append(toExpire, id)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range toIdle {
		m.persist(ctx, s)
		m.emit("session.idle", s)
	}
	for _, id := range toExpire {
		if err := m.Destroy(ctx, "", id); err != nil && !sandbox.IsKind(err, sandbox.KindNotFound) {
			slog.Warn("Failed to expire session", slog.String("session", id.String()), slog.Any("error", err))
		}
	}
}

// provision drives Provisioning → Active for the snapshot's session. The
// inflight marker is already set by the caller and cleared here.
func (m *Manager) provision(ctx context.Context, snapshot *session.Session) (*session.Session, error) {
	defer m.clearInflight(snapshot.ID)

	m.persist(ctx, snapshot)
	m.emit("session.provisioning", snapshot)

	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate != nil && !gate.Healthy(snapshot.ProviderID) {
		return nil, m.failSession(ctx, snapshot.ID, sandbox.NewError(sandbox.KindProviderUnavailable,
			fmt.Sprintf("provider %s is unhealthy, provisioning blocked", snapshot.ProviderID)))
	}

	p, err := m.registry.Provider(ctx, snapshot.ProviderID)
	if err != nil {
		return nil, m.failSession(ctx, snapshot.ID, err)
	}

	desc := p.Descriptor()
	handle, err := p.CreateSandbox(ctx, sandbox.Spec{
		Name:  shortID(snapshot.ID),
		Image: desc.Config.Image,
		Labels: map[string]string{
			"session": snapshot.ID.String(),
			"project": snapshot.ProjectID,
		},
	})
	if err != nil {
		return nil, m.failSession(ctx, snapshot.ID, sandbox.Normalize(err, "create sandbox"))
	}

	now := time.Now().UTC()

	m.mu.Lock()
	sess := m.sessions[snapshot.ID]
	if sess == nil {
		m.mu.Unlock()
		// Session vanished while provisioning; do not leak the sandbox.
		_ = p.DestroySandbox(context.WithoutCancel(ctx), handle.ID)
		return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", snapshot.ID))
	}
	sess.Status = session.StatusActive
	sess.Handle = handle
	sess.HandleGeneration++
	sess.LastAccessedAt = now
	result := sess.Clone()
	m.mu.Unlock()

	m.persist(ctx, result)
	m.emit("session.active", result)
	return result, nil
}

// resume drives Idle|Suspended → Active, re-validating sandbox liveness
// first. A sandbox that disappeared provider-side triggers a fresh
// provisioning cycle instead of failing the caller.
func (m *Manager) resume(ctx context.Context, snapshot *session.Session) (*session.Session, error) {
	if snapshot.Handle == nil {
		return m.reprovision(ctx, snapshot)
	}

	p, err := m.registry.Provider(ctx, snapshot.ProviderID)
	if err != nil {
		m.clearInflight(snapshot.ID)
		return nil, err
	}

	h, err := getSandboxWithRetry(ctx, p, snapshot.Handle.ID)
	if err != nil {
		if sandbox.IsKind(err, sandbox.KindNotFound) {
			return m.reprovision(ctx, snapshot)
		}
		// Transient provider trouble: the session stays in its prior
		// stable state and the caller may retry.
		m.clearInflight(snapshot.ID)
		return nil, err
	}

	if h.Status != sandbox.StatusRunning {
		return m.reprovision(ctx, snapshot)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	sess := m.sessions[snapshot.ID]
	if sess == nil {
		m.mu.Unlock()
		m.clearInflight(snapshot.ID)
		return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", snapshot.ID))
	}
	sess.Status = session.StatusActive
	sess.Handle.Status = h.Status
	sess.Handle.Address = h.Address
	sess.Handle.LastHealthCheckAt = now
	sess.LastAccessedAt = now
	result := sess.Clone()
	m.mu.Unlock()

	m.clearInflight(snapshot.ID)
	m.persist(ctx, result)
	m.emit("session.resumed", result)
	return result, nil
}

// reprovision switches a resuming session back into a provisioning cycle.
// The inflight marker carries over; provision clears it.
func (m *Manager) reprovision(ctx context.Context, snapshot *session.Session) (*session.Session, error) {
	m.mu.Lock()
	sess := m.sessions[snapshot.ID]
	if sess == nil {
		m.mu.Unlock()
		m.clearInflight(snapshot.ID)
		return nil, sandbox.NewError(sandbox.KindNotFound, fmt.Sprintf("session %s not found", snapshot.ID))
	}
	sess.Status = session.StatusProvisioning
	sess.Handle = nil
	sess.FailureReason = ""
	m.inflight[snapshot.ID] = "provisioning"
	fresh := sess.Clone()
	m.mu.Unlock()

	return m.provision(ctx, fresh)
}

// failSession drives the session into Failed, retaining it for inspection
// and retry, and returns the original cause.
func (m *Manager) failSession(ctx context.Context, id uuid.UUID, cause error) error {
	m.mu.Lock()
	sess := m.sessions[id]
	var snapshot *session.Session
	if sess != nil {
		sess.Status = session.StatusFailed
		sess.FailureReason = cause.Error()
		snapshot = sess.Clone()
	}
	m.mu.Unlock()

	if snapshot != nil {
		m.persist(ctx, snapshot)
		m.emit("session.failed", snapshot)
	}
	return cause
}

func (m *Manager) idleTimeoutLocked(providerID string) time.Duration {
	if d, ok := m.registry.Descriptor(providerID); ok && d.DefaultIdleTimeout > 0 {
		return d.DefaultIdleTimeout
	}
	return defaultIdleTimeout
}

func (m *Manager) clearInflight(id uuid.UUID) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

// persist mirrors a transition into the store. Persistence trouble is
// logged, not propagated: the in-memory table stays authoritative for the
// process lifetime.
func (m *Manager) persist(ctx context.Context, s *session.Session) {
	if err := m.store.Upsert(ctx, s); err != nil {
		slog.Warn("Failed to persist session",
			slog.String("session", s.ID.String()), slog.Any("error", err))
	}
}

func (m *Manager) emit(name string, s *session.Session) {
	if m.emitter == nil {
		return
	}
	fields := map[string]any{
		"session":  s.ID.String(),
		"user":     s.UserID,
		"project":  s.ProjectID,
		"provider": s.ProviderID,
		"status":   string(s.Status),
	}
	if s.FailureReason != "" {
		fields["reason"] = s.FailureReason
	}
	m.emitter.Emit(name, fields)
}

func getSandboxWithRetry(ctx context.Context, p sandbox.Provider, id string) (*sandbox.Handle, error) {
	return sandbox.WithRetry(ctx, func(ctx context.Context) (*sandbox.Handle, error) {
		return p.GetSandbox(ctx, id)
	})
}

func sessionKey(userID, projectID string) string {
	return userID + "\x00" + projectID
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
