package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ephes/fastdeploy/internal/auth"
	"github.com/ephes/fastdeploy/internal/domain"
	"github.com/ephes/fastdeploy/internal/repository/memory"
	"github.com/ephes/fastdeploy/pkg/token"
)

type fakeConn struct {
	sent    []any
	sendErr error
	closed  bool
}

func (c *fakeConn) SendJSON(v any) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestManager(t *testing.T) (*Manager, *token.Codec, *memory.UnitOfWork) {
	t.Helper()
	codec := token.NewCodec("test-secret")
	manager := NewManager(auth.NewVerifier(codec), slog.New(slog.NewTextHandler(io.Discard, nil)))
	uow := memory.NewUnitOfWork()
	user := &domain.User{Name: "alice", Password: "$2a$irrelevant"}
	if err := uow.Users().Add(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return manager, codec, uow
}

func userToken(t *testing.T, codec *token.Codec, ttl time.Duration) string {
	t.Helper()
	raw, err := codec.Encode(token.Claims{Type: token.TypeUser, User: "alice"}, ttl)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return raw
}

func TestAuthenticateActivatesClient(t *testing.T) {
	manager, codec, uow := newTestManager(t)
	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	ok := manager.Authenticate(context.Background(), uow, id, userToken(t, codec, time.Minute))
	if !ok {
		t.Fatalf("expected authentication to succeed")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected one ack, got %d", len(conn.sent))
	}
	ack, isAck := conn.sent[0].(domain.AuthenticationSucceeded)
	if !isAck || ack.Status != "success" {
		t.Fatalf("expected success ack, got %#v", conn.sent[0])
	}
}

func TestAuthenticateRejectsBadToken(t *testing.T) {
	manager, _, uow := newTestManager(t)
	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	if manager.Authenticate(context.Background(), uow, id, "not-a-token") {
		t.Fatalf("expected authentication to fail")
	}
	ack, isAck := conn.sent[0].(domain.AuthenticationFailed)
	if !isAck || ack.Status != "failure" {
		t.Fatalf("expected failure ack, got %#v", conn.sent[0])
	}

	// The client stays connected but must not see broadcasts.
	manager.Broadcast(context.Background(), domain.UserCreated{Type: "user", ID: 1})
	if len(conn.sent) != 1 {
		t.Fatalf("expected no broadcast to unauthenticated client, got %d messages", len(conn.sent))
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	manager, codec, uow := newTestManager(t)
	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	if manager.Authenticate(context.Background(), uow, id, userToken(t, codec, -time.Minute)) {
		t.Fatalf("expected expired token to be rejected")
	}
	if _, isAck := conn.sent[0].(domain.AuthenticationFailed); !isAck {
		t.Fatalf("expected failure ack, got %#v", conn.sent[0])
	}
}

func TestBroadcastReachesOnlyActiveClients(t *testing.T) {
	manager, codec, uow := newTestManager(t)
	authenticated := &fakeConn{}
	lurker := &fakeConn{}
	authedID, lurkerID := uuid.New(), uuid.New()
	manager.Connect(authedID, authenticated)
	manager.Connect(lurkerID, lurker)

	if !manager.Authenticate(context.Background(), uow, authedID, userToken(t, codec, time.Minute)) {
		t.Fatalf("authentication failed")
	}
	authenticated.sent = nil

	event := domain.DeploymentStarted{Type: "deployment", ID: 7}
	manager.Broadcast(context.Background(), event)

	if len(authenticated.sent) != 1 {
		t.Fatalf("expected broadcast to active client, got %d messages", len(authenticated.sent))
	}
	if len(lurker.sent) != 0 {
		t.Fatalf("expected no broadcast to inactive client, got %d messages", len(lurker.sent))
	}
}

func TestBroadcastDropsFailingClients(t *testing.T) {
	manager, codec, uow := newTestManager(t)
	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)
	if !manager.Authenticate(context.Background(), uow, id, userToken(t, codec, time.Minute)) {
		t.Fatalf("authentication failed")
	}

	conn.sendErr = errors.New("broken pipe")
	manager.Broadcast(context.Background(), domain.DeploymentStarted{Type: "deployment", ID: 7})

	conn.sendErr = nil
	manager.Broadcast(context.Background(), domain.DeploymentStarted{Type: "deployment", ID: 8})
	if len(conn.sent) != 1 {
		t.Fatalf("expected dropped client to receive nothing further, got %d", len(conn.sent))
	}
}

func TestCloseOnExpireClosesAfterGrace(t *testing.T) {
	manager, _, _ := newTestManager(t)
	var scheduled time.Duration
	manager.afterFunc = func(d time.Duration, f func()) *time.Timer {
		scheduled = d
		f()
		return nil
	}

	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	expiresAt := time.Now().Add(time.Minute)
	manager.CloseOnExpire(id, expiresAt)

	if scheduled < time.Minute || scheduled > time.Minute+2*manager.grace {
		t.Fatalf("expected wait of roughly a minute plus grace, got %v", scheduled)
	}
	if !conn.closed {
		t.Fatalf("expected connection closed")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected a session expired payload, got %d messages", len(conn.sent))
	}

	// Firing the timer again for a gone client must be harmless.
	manager.Close(id, nil)
}

func TestCloseOnExpirePastExpiryClosesImmediately(t *testing.T) {
	manager, _, _ := newTestManager(t)
	var scheduled time.Duration
	manager.afterFunc = func(d time.Duration, f func()) *time.Timer {
		scheduled = d
		f()
		return nil
	}

	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	manager.CloseOnExpire(id, time.Now().Add(-time.Second))

	if scheduled != 0 {
		t.Fatalf("expected immediate close for expired token, got wait of %v", scheduled)
	}
	if !conn.closed {
		t.Fatalf("expected connection closed")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	manager, _, _ := newTestManager(t)
	conn := &fakeConn{}
	id := uuid.New()
	manager.Connect(id, conn)

	manager.Disconnect(id)
	manager.Disconnect(id)
	manager.Disconnect(uuid.New())
}
