package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/curaious/forge/internal/api/ratelimit"
	"github.com/curaious/forge/internal/config"
	"github.com/curaious/forge/internal/db"
	"github.com/curaious/forge/internal/orchestrator"
	"github.com/curaious/forge/internal/pubsub"
	"github.com/curaious/forge/internal/services/session"
	"github.com/curaious/forge/internal/telemetry"
	"github.com/curaious/forge/pkg/sandbox"
	"github.com/curaious/forge/pkg/sandbox/docker_sandbox"
	"github.com/curaious/forge/pkg/sandbox/k8s_sandbox"
)

// Services wires the application together: provider registry, session
// store, orchestration core and supporting infrastructure. Constructed
// once at startup and passed to the API layer.
type Services struct {
	Conf *config.Config
	DB   *sqlx.DB

	Registry     *sandbox.Registry
	Sessions     session.Store
	Manager      *orchestrator.Manager
	Monitor      *orchestrator.HealthMonitor
	Orchestrator *orchestrator.Orchestrator
	Emitter      *telemetry.Emitter
	RateLimiter  ratelimit.Storage

	ps     *pubsub.PubSub
	cancel context.CancelFunc
}

func NewServices(conf *config.Config) *Services {
	s := &Services{Conf: conf}

	var store session.Store
	if conf.HasDB() {
		s.DB = db.NewConn(conf)
		store = session.NewSessionRepo(s.DB)
		s.ps = pubsub.NewPubSub(conf)
	} else {
		slog.Warn("No database configured, sessions will not survive restarts")
		store = session.NewMemoryStore()
	}
	s.Sessions = store

	if conf.REDIS_ADDR != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.REDIS_ADDR,
			Password: conf.REDIS_PASSWORD,
		})
		s.RateLimiter = ratelimit.NewRedisStorage(client, "forge:rate_limit:")
	} else {
		s.RateLimiter = ratelimit.NewMemoryStorage()
	}

	s.Emitter = telemetry.NewEmitter(0)
	s.Registry = newRegistry(conf)

	s.Manager = orchestrator.NewManager(store, s.Registry, s.Emitter, orchestrator.ManagerConfig{
		SessionTTL:    conf.SESSION_TTL,
		SweepInterval: conf.SWEEP_INTERVAL,
	})
	s.Monitor = orchestrator.NewHealthMonitor(s.Registry, s.Manager, s.Emitter, conf.HEALTH_PROBE_INTERVAL)
	s.Manager.SetHealthGate(s.Monitor)

	s.Orchestrator = orchestrator.New(s.Registry, s.Manager, s.Monitor, conf.DEFAULT_PROVIDER)

	return s
}

// Start rehydrates sessions and launches the background loops.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Manager.Rehydrate(ctx); err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.Manager.RunSweeper(bg)
	go s.Monitor.Run(bg)

	if s.ps != nil {
		s.ps.Subscribe(func(ev pubsub.SessionChangeEvent) {
			if ev.Operation == "RELOAD" {
				// The listener reconnected; notifications may have been
				// missed, so reconcile the whole cache.
				if err := s.Manager.Resync(bg); err != nil {
					slog.Warn("Failed to resync sessions after reconnect", slog.Any("error", err))
				}
				return
			}
			id, err := uuid.Parse(ev.SessionID)
			if err != nil {
				return
			}
			s.Manager.RefreshSession(bg, id)
		})
		if err := s.ps.Start(); err != nil {
			slog.Warn("Session change notifications unavailable", slog.Any("error", err))
		}
	}

	return nil
}

// Stop halts background loops and releases provider instances.
func (s *Services) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ps != nil {
		s.ps.Stop()
	}

	s.Registry.CleanupAll(ctx)
	s.Emitter.Close()

	switch l := s.RateLimiter.(type) {
	case *ratelimit.MemoryStorage:
		l.Stop()
	case *ratelimit.RedisStorage:
		if err := l.Close(); err != nil {
			slog.Warn("Failed to close rate limiter", slog.Any("error", err))
		}
	}

	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			slog.Error("Failed to close database", slog.Any("error", err))
		}
	}
}

func newRegistry(conf *config.Config) *sandbox.Registry {
	r := sandbox.NewRegistry()

	commonCaps := []sandbox.Capability{
		sandbox.CapabilityExec,
		sandbox.CapabilityFileRead,
		sandbox.CapabilityFileWrite,
	}

	dockerDesc := sandbox.Descriptor{
		ID:           "docker",
		DisplayName:  "Docker",
		Capabilities: append(commonCaps, sandbox.CapabilityPortExpose),
		Config: sandbox.Config{
			Network:    conf.DOCKER_NETWORK,
			Image:      conf.DOCKER_IMAGE,
			DaemonPort: conf.SANDBOX_DAEMON_PORT,
		},
		DefaultIdleTimeout: conf.SESSION_IDLE_TIMEOUT,
	}
	if err := r.Register(dockerDesc, docker_sandbox.New); err != nil {
		slog.Error("Failed to register docker provider", slog.Any("error", err))
	}

	k8sDesc := sandbox.Descriptor{
		ID:           "kubernetes",
		DisplayName:  "Kubernetes",
		Capabilities: commonCaps,
		Config: sandbox.Config{
			Namespace:  conf.K8S_NAMESPACE,
			Image:      conf.K8S_IMAGE,
			DaemonPort: conf.SANDBOX_DAEMON_PORT,
		},
		DefaultIdleTimeout: conf.SESSION_IDLE_TIMEOUT,
	}
	if err := r.Register(k8sDesc, k8s_sandbox.New); err != nil {
		slog.Error("Failed to register kubernetes provider", slog.Any("error", err))
	}

	return r
}
