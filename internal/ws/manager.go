// Package ws tracks websocket clients watching deployments. A client
// joins unauthenticated and sees nothing; after presenting a valid
// token it becomes active and receives every broadcast until its token
// expires or it disconnects.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ephes/fastdeploy/internal/auth"
	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository"
)

// expireGrace is added on top of the token expiry before the
// connection is force-closed, so a client refreshing its token right at
// the deadline is not cut off mid-handshake.
const expireGrace = 5 * time.Second

// Manager owns all websocket connections. all holds every connected
// client, active only the authenticated subset; broadcasts go to
// active only.
type Manager struct {
	mu     sync.Mutex
	all    map[uuid.UUID]Conn
	active map[uuid.UUID]Conn

	verifier *auth.Verifier
	logger   *slog.Logger
	grace    time.Duration

	// afterFunc is swapped out in tests to fire timers synchronously.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewManager returns an empty connection manager.
func NewManager(verifier *auth.Verifier, logger *slog.Logger) *Manager {
	return &Manager{
		all:       make(map[uuid.UUID]Conn),
		active:    make(map[uuid.UUID]Conn),
		verifier:  verifier,
		logger:    logger,
		grace:     expireGrace,
		afterFunc: time.AfterFunc,
	}
}

// Connect registers a new unauthenticated client.
func (m *Manager) Connect(id uuid.UUID, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all[id] = conn
}

// Disconnect forgets a client. Safe to call for unknown ids and safe to
// call twice, so both the read loop and the expiry timer may race it.
func (m *Manager) Disconnect(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.all, id)
	delete(m.active, id)
}

// Close sends a final payload to a client and closes its connection.
// Unknown ids are ignored.
func (m *Manager) Close(id uuid.UUID, payload any) {
	m.mu.Lock()
	conn, ok := m.all[id]
	delete(m.all, id)
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	if payload != nil {
		if err := conn.SendJSON(payload); err != nil {
			m.logger.Debug("close payload not delivered", "client_id", id, "error", err)
		}
	}
	_ = conn.Close()
}

// Authenticate validates a raw token for a connected client. On success
// the client becomes active, receives a success ack and is scheduled to
// be closed when the token expires. On failure it stays connected but
// inactive and receives a failure ack.
func (m *Manager) Authenticate(ctx context.Context, uow repository.UnitOfWork, id uuid.UUID, raw string) bool {
	m.mu.Lock()
	conn, ok := m.all[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	user, err := m.verifier.UserFromToken(ctx, uow, raw)
	if err != nil {
		if sendErr := conn.SendJSON(domain.NewAuthenticationFailed(err.Error())); sendErr != nil {
			m.logger.Debug("auth ack not delivered", "client_id", id, "error", sendErr)
		}
		return false
	}

	claims, err := m.verifier.Decode(raw)
	if err != nil {
		return false
	}

	m.mu.Lock()
	m.active[id] = conn
	m.mu.Unlock()

	if err := conn.SendJSON(domain.NewAuthenticationSucceeded("authenticated as " + user.Name)); err != nil {
		m.logger.Debug("auth ack not delivered", "client_id", id, "error", err)
	}
	m.CloseOnExpire(id, claims.ExpiresAt())
	return true
}

// CloseOnExpire schedules the client to be closed shortly after
// expiresAt. An already-expired token closes the client immediately,
// without the grace period.
func (m *Manager) CloseOnExpire(id uuid.UUID, expiresAt time.Time) {
	wait := time.Until(expiresAt)
	if wait < 0 {
		wait = 0
	} else {
		wait += m.grace
	}
	m.afterFunc(wait, func() {
		m.Close(id, domain.NewAuthenticationFailed("session expired"))
	})
}

// Send delivers an event to one client, active or not. Delivery
// failures drop the client.
func (m *Manager) Send(id uuid.UUID, event any) {
	m.mu.Lock()
	conn, ok := m.all[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.SendJSON(event); err != nil {
		m.logger.Debug("send failed, dropping client", "client_id", id, "error", err)
		m.Disconnect(id)
	}
}

// Broadcast delivers an event to every active client. Clients that fail
// to receive are dropped.
func (m *Manager) Broadcast(ctx context.Context, event domain.Event) {
	m.mu.Lock()
	conns := make(map[uuid.UUID]Conn, len(m.active))
	for id, conn := range m.active {
		conns[id] = conn
	}
	m.mu.Unlock()

	for id, conn := range conns {
		if err := conn.SendJSON(event); err != nil {
			m.logger.Debug("broadcast failed, dropping client", "client_id", id, "error", err)
			m.Disconnect(id)
		}
	}
}
