package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/curaious/forge/internal/config"
	"github.com/lib/pq"
)

// SessionChangeEvent is one session row change broadcast by postgres. A
// RELOAD operation means notifications may have been missed and the full
// session set should be re-read.
type SessionChangeEvent struct {
	SessionID string
	Operation string // INSERT, UPDATE, DELETE, RELOAD
}

// SessionChangeHandler is a callback function for session changes
type SessionChangeHandler func(event SessionChangeEvent)

// PubSub handles PostgreSQL LISTEN/NOTIFY for session changes. It lets
// orchestrator replicas observe transitions written by their peers
// instead of polling the sessions table.
type PubSub struct {
	connStr  string
	listener *pq.Listener
	handlers []SessionChangeHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewPubSub creates a new PubSub instance
func NewPubSub(conf *config.Config) *PubSub {
	connStr := fmt.Sprintf("postgresql://%v:%v@%v:%v/%v",
		conf.DB_USERNAME, conf.DB_PASSWORD, conf.DB_HOST, conf.DB_PORT, conf.DB_NAME)
	if conf.DISABLE_TLS == "true" {
		connStr = connStr + "?sslmode=disable"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &PubSub{
		connStr:  connStr,
		handlers: make([]SessionChangeHandler, 0),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe adds a handler for session change events
func (ps *PubSub) Subscribe(handler SessionChangeHandler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handlers = append(ps.handlers, handler)
}

// Start begins listening for notifications
func (ps *PubSub) Start() error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Error("PubSub listener error", slog.Any("error", err))
		}
		if ev == pq.ListenerEventConnectionAttemptFailed {
			slog.Warn("PubSub connection attempt failed, will retry")
		}
		if ev == pq.ListenerEventDisconnected {
			slog.Warn("PubSub disconnected, will attempt reconnect")
		}
		if ev == pq.ListenerEventReconnected {
			slog.Info("PubSub reconnected, triggering full reload")
			// On reconnection, notify handlers to reload all data
			// since we might have missed notifications
			ps.notifyHandlers(SessionChangeEvent{Operation: "RELOAD"})
		}
	}

	ps.listener = pq.NewListener(ps.connStr, 10*time.Second, time.Minute, reportProblem)

	if err := ps.listener.Listen("session_changes"); err != nil {
		return fmt.Errorf("failed to listen on session_changes channel: %w", err)
	}

	slog.Info("PubSub started listening for session changes")

	// Start the notification processing goroutine
	go ps.processNotifications()

	return nil
}

// Stop closes the listener
func (ps *PubSub) Stop() {
	ps.cancel()
	if ps.listener != nil {
		ps.listener.Close()
	}
	slog.Info("PubSub stopped")
}

func (ps *PubSub) processNotifications() {
	for {
		select {
		case <-ps.ctx.Done():
			return
		case notification := <-ps.listener.Notify:
			if notification == nil {
				// Connection lost, will be handled by reportProblem callback
				continue
			}

			// Parse the payload: "session_id:operation"
			parts := strings.SplitN(notification.Extra, ":", 2)
			if len(parts) != 2 {
				slog.Warn("Invalid notification payload", slog.String("payload", notification.Extra))
				continue
			}

			event := SessionChangeEvent{
				SessionID: parts[0],
				Operation: parts[1],
			}

			slog.Debug("Received session change notification",
				slog.String("session", event.SessionID),
				slog.String("operation", event.Operation))

			ps.notifyHandlers(event)
		}
	}
}

func (ps *PubSub) notifyHandlers(event SessionChangeEvent) {
	ps.mu.RLock()
	handlers := make([]SessionChangeHandler, len(ps.handlers))
	copy(handlers, ps.handlers)
	ps.mu.RUnlock()

	for _, handler := range handlers {
		// Run handlers in goroutines to avoid blocking the notification loop
		go handler(event)
	}
}
