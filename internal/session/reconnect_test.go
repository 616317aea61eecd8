package session_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/vocalink/internal/session"
	"github.com/coder/websocket"
)

// relayDialer returns a DialFunc pointing at a fresh mock relay.
func relayDialer(t *testing.T) session.DialFunc {
	t.Helper()
	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	url := wsURL(srv)
	return func(ctx context.Context) (*session.Session, error) {
		return session.Dial(ctx, url)
	}
}

func TestReconnector_Connect(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dial := relayDialer(t)
	r := session.NewReconnector(session.ReconnectorConfig{
		Dial: func(ctx context.Context) (*session.Session, error) {
			calls.Add(1)
			return dial(ctx)
		},
	})
	defer r.Stop()

	sess, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess == nil {
		t.Fatal("Connect returned nil session")
	}
	if r.Session() != sess {
		t.Error("stored session does not match returned session")
	}
	if calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1", calls.Load())
	}
}

func TestReconnector_ConnectFailure(t *testing.T) {
	t.Parallel()

	r := session.NewReconnector(session.ReconnectorConfig{
		Dial: func(context.Context) (*session.Session, error) {
			return nil, errors.New("relay unreachable")
		},
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
	if r.Session() != nil {
		t.Error("expected nil session after failure")
	}
}

func TestReconnector_ReconnectOnDisconnect(t *testing.T) {
	t.Parallel()

	reconnected := make(chan *session.Session, 1)
	r := session.NewReconnector(session.ReconnectorConfig{
		Dial:       relayDialer(t),
		MaxRetries: 3,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
		OnReconnect: func(s *session.Session) {
			reconnected <- s
		},
	})
	defer r.Stop()

	first, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	select {
	case sess := <-reconnected:
		if sess == nil {
			t.Fatal("OnReconnect received nil session")
		}
		if sess == first {
			t.Error("expected a fresh session after reconnect")
		}
		if r.Session() != sess {
			t.Error("stored session should be the reconnected one")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for reconnection")
	}
}

func TestReconnector_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	dial := relayDialer(t)
	r := session.NewReconnector(session.ReconnectorConfig{
		Dial: func(ctx context.Context) (*session.Session, error) {
			if attempts.Add(1) == 1 {
				return dial(ctx) // initial connect succeeds
			}
			return nil, errors.New("still down")
		},
		MaxRetries: 2,
		Backoff:    1 * time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	defer r.Stop()

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.Monitor(t.Context())
	r.NotifyDisconnect()

	// Initial dial + 2 failed retries.
	deadline := time.After(3 * time.Second)
	for attempts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("attempts = %d, want 3", attempts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3 (gave up after max retries)", got)
	}
}

func TestReconnector_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	r := session.NewReconnector(session.ReconnectorConfig{Dial: relayDialer(t)})

	if _, err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if r.Session() != nil {
		t.Error("Stop should clear the stored session")
	}
}
