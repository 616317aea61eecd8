package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vocalink/internal/session"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRelay launches a test WebSocket server. The handler function receives
// the accepted *websocket.Conn. The server is automatically closed when the
// test finishes.
func startRelay(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// sendReady writes the relay's ready acknowledgement.
func sendReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeText(t, conn, "ACK:SERVER_READY")
}

// writeText sends one text frame.
func writeText(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Logf("writeText: %v (may be expected on close)", err)
	}
}

// writeBinary sends one binary frame.
func writeBinary(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.Logf("writeBinary: %v (may be expected on close)", err)
	}
}

// readMessage reads one frame and returns its type and payload.
func readMessage(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	return typ, data
}

// ── Dial / handshake ──────────────────────────────────────────────────────────

func TestDial_WaitsForReadyAck(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
}

func TestDial_TimesOutWithoutReady(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never send the ready ack.
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := session.Dial(context.Background(), wsURL(srv),
		session.WithConnectTimeout(100*time.Millisecond))
	if err == nil {
		t.Fatal("Dial without ready ack should time out")
	}
}

func TestDial_RejectsTextBeforeReady(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		writeText(t, conn, "TEXT:too early")
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := session.Dial(context.Background(), wsURL(srv))
	if err == nil {
		t.Fatal("Dial should reject conversation text before the ready ack")
	}
}

func TestDial_SkipsOtherAcksBeforeReady(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		writeText(t, conn, "ACK:SESSION_CREATED")
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
}

func TestDial_SendsBearerToken(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startRelay(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv), session.WithAPIKey("secret"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case got := <-authHeader:
		if got != "Bearer secret" {
			t.Errorf("Authorization header = %q; want %q", got, "Bearer secret")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for handshake header")
	}
}

// ── Uplink ────────────────────────────────────────────────────────────────────

func TestSendAudio_BinaryPassthrough(t *testing.T) {
	t.Parallel()

	type frame struct {
		typ  websocket.MessageType
		data []byte
	}
	received := make(chan frame, 1)

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		typ, data := readMessage(t, conn)
		received <- frame{typ, data}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := sess.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case f := <-received:
		if f.typ != websocket.MessageBinary {
			t.Errorf("frame type = %v; want binary", f.typ)
		}
		if string(f.data) != string(wantPCM) {
			t.Errorf("frame data = %v; want %v", f.data, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio frame")
	}
}

func TestSendText_AddsMarker(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		_, data := readMessage(t, conn)
		received <- string(data)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if err := sess.SendText("hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case got := <-received:
		if got != "TEXT:hello there" {
			t.Errorf("text frame = %q; want %q", got, "TEXT:hello there")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text frame")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sess.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	const goroutines = 8
	const framesPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range framesPerGoroutine {
				_ = sess.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})
			}
		})
	}
	wg.Wait()
}

// ── Downlink ──────────────────────────────────────────────────────────────────

func TestAudio_StripsMarker(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		writeBinary(t, conn, append([]byte("AUDIO:"), wantPCM...))
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestAudio_DropsUnmarkedBinary(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0x10, 0x20}

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		writeBinary(t, conn, []byte{0xDE, 0xAD}) // no marker: must be dropped
		writeBinary(t, conn, append([]byte("AUDIO:"), wantPCM...))
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case chunk := <-sess.Audio():
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v (unmarked frame should be dropped)", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

func TestTexts_StripsMarker(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		writeText(t, conn, "TEXT:reply from the model")
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case msg, ok := <-sess.Texts():
		if !ok {
			t.Fatal("Texts channel closed unexpectedly")
		}
		if msg != "reply from the model" {
			t.Errorf("text = %q; want %q", msg, "reply from the model")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text")
	}
}

func TestAckAfterReady_NotForwarded(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		writeText(t, conn, "ACK:TEXT_RECEIVED")
		writeText(t, conn, "TEXT:actual reply")
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-sess.Texts():
		if msg != "actual reply" {
			t.Errorf("text = %q; acks should not be forwarded", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for text")
	}
}

// ── Close / errors ────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_ = sess.Close()

	for name, check := range map[string]func() bool{
		"Audio": func() bool { _, open := <-sess.Audio(); return open },
		"Texts": func() bool { _, open := <-sess.Texts(); return open },
	} {
		done := make(chan bool, 1)
		go func() { done <- check() }()
		select {
		case open := <-done:
			if open {
				t.Errorf("%s channel should be closed after Close()", name)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s channel to close", name)
		}
	}
}

func TestErr_NilBeforeClose(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if got := sess.Err(); got != nil {
		t.Errorf("Err() = %v; want nil before any error", got)
	}
}

func TestServerDisconnect_SetsErrAndClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		sendReady(t, conn)
		// Abrupt close after readiness.
		conn.Close(websocket.StatusInternalError, "relay going down")
	})

	sess, err := session.Dial(context.Background(), wsURL(srv))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	select {
	case _, open := <-sess.Audio():
		if open {
			t.Error("Audio channel should close when the relay disconnects")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}
	if sess.Err() == nil {
		t.Error("Err() should be non-nil after an abnormal disconnect")
	}
}

func TestDial_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if _, err := session.Dial(ctx, wsURL(srv)); err == nil {
		t.Fatal("Dial with cancelled context should return an error")
	}
}
