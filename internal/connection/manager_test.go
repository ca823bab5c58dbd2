package connection

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/barterline/parley/internal/auth"
	"github.com/barterline/parley/internal/model"
	"github.com/barterline/parley/internal/wire"
)

// fakeServer speaks enough of the wire protocol to exercise the manager:
// authenticate gets an authenticated (or auth-error) reply, ping gets a pong.
type fakeServer struct {
	rejectAuth      bool
	dropAfterAuth   time.Duration // close the first conn this long after auth
	revokeAfterAuth time.Duration // send auth-error this long after a successful auth
	pongDelay       time.Duration

	conns int64 // upgrades seen
}

func (f *fakeServer) handle(conn *websocket.Conn) {
	n := atomic.AddInt64(&f.conns, 1)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case wire.EventAuthenticate:
			if f.rejectAuth {
				reply, _ := wire.Encode(wire.EventAuthError, wire.AuthFailure{Message: "bad token"})
				conn.WriteMessage(websocket.TextMessage, reply)
				continue
			}
			reply, _ := wire.Encode(wire.EventAuthenticated, wire.Authenticated{
				Identity: model.Identity{ID: "u1", Username: "buyer"},
			})
			conn.WriteMessage(websocket.TextMessage, reply)

			if f.dropAfterAuth > 0 && n == 1 {
				time.Sleep(f.dropAfterAuth)
				conn.Close()
				return
			}
			if f.revokeAfterAuth > 0 && n == 1 {
				time.Sleep(f.revokeAfterAuth)
				revoked, _ := wire.Encode(wire.EventAuthError, wire.AuthFailure{Message: "token revoked"})
				conn.WriteMessage(websocket.TextMessage, revoked)
			}

		case wire.EventPing:
			var ping wire.Ping
			json.Unmarshal(env.Payload, &ping)
			if f.pongDelay > 0 {
				time.Sleep(f.pongDelay)
			}
			reply, _ := wire.Encode(wire.EventPong, wire.Pong{SentAt: ping.SentAt})
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	}
}

func testCreds(t *testing.T) *auth.Credentials {
	t.Helper()
	creds, err := auth.LoadCredentials("opaque-test-token", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	return creds
}

func testManagerConfig(url string) ManagerConfig {
	return ManagerConfig{
		WSURL:                url,
		HeartbeatInterval:    time.Hour, // tests drive heartbeat explicitly
		HeartbeatTimeout:     2 * time.Hour,
		WriteTimeout:         time.Second,
		AuthTimeout:          time.Second,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 5,
		RejoinSettleDelay:    5 * time.Millisecond,
		BufferSize:           100,
	}
}

func TestManager_ConnectAuthenticates(t *testing.T) {
	fake := &fakeServer{}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	id, err := m.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if id.Username != "buyer" {
		t.Errorf("identity.Username = %q, want %q", id.Username, "buyer")
	}
	if got := m.State(); got != StateAuthenticated {
		t.Errorf("State = %v, want %v", got, StateAuthenticated)
	}
}

func TestManager_ConnectSingleFlight(t *testing.T) {
	fake := &fakeServer{}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Connect(context.Background()); err != nil {
				t.Errorf("Connect failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt64(&fake.conns); n != 1 {
		t.Errorf("transport count = %d, want 1", n)
	}
}

func TestManager_AuthErrorIsFatal(t *testing.T) {
	fake := &fakeServer{rejectAuth: true}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	_, err := m.Connect(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
}

func TestManager_ExpiredTokenFailsBeforeDial(t *testing.T) {
	fake := &fakeServer{}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	creds := testCreds(t)
	creds.ExpiresAt = time.Now().Add(-time.Minute)

	m := NewManager(testManagerConfig(wsURL(server)), creds, nil)

	_, err := m.Connect(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if n := atomic.LoadInt64(&fake.conns); n != 0 {
		t.Errorf("transport count = %d, want 0 (no dial for expired token)", n)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	fake := &fakeServer{}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := m.Disconnect(); err != nil {
		t.Errorf("first Disconnect failed: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("State = %v, want %v", got, StateDisconnected)
	}
}

func TestManager_ReconnectReestablishes(t *testing.T) {
	fake := &fakeServer{dropAfterAuth: 20 * time.Millisecond}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	var hookCalls int64
	m.SetReestablishHook(func(ctx context.Context) error {
		atomic.AddInt64(&hookCalls, 1)
		return nil
	})

	sub := m.StateChanges().Subscribe()
	defer sub.Unsubscribe()

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The first transport drops shortly after auth; wait for the session to
	// come back as reestablished.
	deadline := time.After(2 * time.Second)
	sawReconnecting := false
	for {
		select {
		case change := <-sub.C():
			if change.To == StateReconnecting {
				sawReconnecting = true
			}
			if change.To == StateAuthenticated && change.Reestablished {
				if !sawReconnecting {
					t.Error("reestablished without passing through Reconnecting")
				}
				if atomic.LoadInt64(&hookCalls) != 1 {
					t.Errorf("reestablish hook calls = %d, want 1", hookCalls)
				}
				if n := atomic.LoadInt64(&fake.conns); n != 2 {
					t.Errorf("transport count = %d, want 2", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for reestablished session")
		}
	}
}

func TestManager_MidSessionAuthErrorSurfaces(t *testing.T) {
	fake := &fakeServer{revokeAfterAuth: 20 * time.Millisecond}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// The server revokes the token after the handshake completed. With no
	// handshake waiter left, the auth-error must still reach the caller.
	select {
	case env := <-m.Frames():
		if env.Type != wire.EventAuthError {
			t.Errorf("frame type = %q, want %q", env.Type, wire.EventAuthError)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mid-session auth-error never surfaced on Frames")
	}
}

func heartbeatLoopCount() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Count(string(buf[:n]), ").heartbeatLoop")
}

func TestManager_HeartbeatStopsWithReplacedTransport(t *testing.T) {
	fake := &fakeServer{dropAfterAuth: 20 * time.Millisecond}
	server := mockWSServer(t, fake.handle)
	defer server.Close()

	cfg := testManagerConfig(wsURL(server))
	cfg.HeartbeatInterval = 10 * time.Millisecond

	m := NewManager(cfg, testCreds(t), nil)
	defer m.Disconnect()

	sub := m.StateChanges().Subscribe()
	defer sub.Unsubscribe()

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for reestablished := false; !reestablished; {
		select {
		case change := <-sub.C():
			if change.To == StateAuthenticated && change.Reestablished {
				reestablished = true
			}
		case <-deadline:
			t.Fatal("timeout waiting for reestablished session")
		}
	}

	// The first transport's heartbeat loop must wind down once its
	// generation is replaced; only the live session's loop may remain.
	stop := time.Now().Add(2 * time.Second)
	for {
		n := heartbeatLoopCount()
		if n == 1 {
			return
		}
		if time.Now().After(stop) {
			t.Fatalf("heartbeat loops alive = %d, want 1", n)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestManager_OfflineAfterCap(t *testing.T) {
	fake := &fakeServer{dropAfterAuth: 10 * time.Millisecond}
	server := mockWSServer(t, fake.handle)

	m := NewManager(testManagerConfig(wsURL(server)), testCreds(t), nil)
	defer m.Disconnect()

	if _, err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Kill the server so every reconnect attempt fails.
	server.Close()

	select {
	case err := <-m.Fatal():
		if !errors.Is(err, ErrOffline) {
			t.Errorf("fatal error = %v, want ErrOffline", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fatal offline error")
	}

	if got := m.State(); got != StateOffline {
		t.Errorf("State = %v, want %v", got, StateOffline)
	}
}

func TestClassifyLatency(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    Quality
	}{
		{50 * time.Millisecond, QualityExcellent},
		{99 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{200 * time.Millisecond, QualityGood},
		{300 * time.Millisecond, QualityPoor},
		{500 * time.Millisecond, QualityPoor},
	}

	for _, tt := range tests {
		if got := ClassifyLatency(tt.latency); got != tt.want {
			t.Errorf("ClassifyLatency(%v) = %v, want %v", tt.latency, got, tt.want)
		}
	}
}

func TestManager_QualityOfflineWhenDisconnected(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:1"), testCreds(t), nil)
	if got := m.Quality(); got != QualityOffline {
		t.Errorf("Quality = %v, want %v", got, QualityOffline)
	}
}

func TestManager_QualityChangesPublishedOnBucketChange(t *testing.T) {
	m := NewManager(testManagerConfig("ws://localhost:1"), testCreds(t), nil).(*manager)
	sub := m.QualityChanges().Subscribe()
	defer sub.Unsubscribe()

	pong := func(rtt time.Duration) {
		payload, _ := json.Marshal(wire.Pong{SentAt: time.Now().Add(-rtt).UnixMilli()})
		m.handlePong(wire.Envelope{Type: wire.EventPong, Payload: payload}, time.Now())
	}

	pong(10 * time.Millisecond)
	select {
	case q := <-sub.C():
		if q != QualityExcellent {
			t.Errorf("quality = %v, want %v", q, QualityExcellent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for quality change")
	}

	// Same bucket again publishes nothing.
	pong(20 * time.Millisecond)

	pong(400 * time.Millisecond)
	select {
	case q := <-sub.C():
		if q != QualityPoor {
			t.Errorf("quality = %v, want %v", q, QualityPoor)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for quality change")
	}
}
