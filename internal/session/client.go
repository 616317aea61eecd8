// Package session implements the WebSocket client for the Vocalink voice
// relay.
//
// The relay speaks a small marker protocol: binary messages carry PCM audio,
// downlink messages prefixed with "AUDIO:"; text messages are prefixed with
// "TEXT:" for conversation text or "ACK:" for protocol acknowledgements. A
// session is ready once the relay has sent "ACK:SERVER_READY".
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	audioMarker = "AUDIO:"
	textMarker  = "TEXT:"
	ackMarker   = "ACK:"

	readyAck = "SERVER_READY"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option is a functional option for configuring a dial.
type Option func(*dialConfig)

type dialConfig struct {
	apiKey         string
	connectTimeout time.Duration
	audioBuffer    int
	textBuffer     int
}

// WithAPIKey sends the key as a Bearer token on the WebSocket handshake.
func WithAPIKey(key string) Option {
	return func(c *dialConfig) { c.apiKey = key }
}

// WithConnectTimeout bounds the dial plus the wait for the relay's ready
// acknowledgement. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *dialConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithAudioBuffer sets the capacity of the downlink audio channel.
func WithAudioBuffer(n int) Option {
	return func(c *dialConfig) {
		if n > 0 {
			c.audioBuffer = n
		}
	}
}

// Session is a live connection to the voice relay.
//
// One goroutine owns the uplink ([Session.SendAudio], [Session.SendText] are
// serialised internally); the downlink is consumed from [Session.Audio] and
// [Session.Texts]. Both channels close when the session ends.
type Session struct {
	conn    *websocket.Conn
	audioCh chan []byte
	textCh  chan string

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Dial connects to the relay at wsURL and waits for its ready
// acknowledgement. The returned Session accepts audio immediately.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Session, error) {
	cfg := &dialConfig{
		connectTimeout: 10 * time.Second,
		audioBuffer:    64,
		textBuffer:     16,
	}
	for _, o := range opts {
		o(cfg)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.connectTimeout)
	defer dialCancel()

	dialOpts := &websocket.DialOptions{}
	if cfg.apiKey != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + cfg.apiKey},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", wsURL, err)
	}
	// Downlink PCM bursts can exceed the library default read limit.
	conn.SetReadLimit(1 << 20)

	if err := awaitReady(dialCtx, conn); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		audioCh: make(chan []byte, cfg.audioBuffer),
		textCh:  make(chan string, cfg.textBuffer),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// awaitReady reads messages until the relay acknowledges readiness. Audio or
// text before the ready ack is a protocol violation.
func awaitReady(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("session: wait for ready: %w", err)
		}
		if typ != websocket.MessageText {
			return fmt.Errorf("session: binary message before ready ack")
		}
		msg := string(data)
		if !strings.HasPrefix(msg, ackMarker) {
			return fmt.Errorf("session: unexpected message %q before ready ack", msg)
		}
		if strings.TrimPrefix(msg, ackMarker) == readyAck {
			return nil
		}
		// Other acks before readiness are harmless; keep waiting.
		slog.Debug("relay ack before ready", "ack", strings.TrimPrefix(msg, ackMarker))
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns audioCh and textCh: it closes both when it exits.
func (s *Session) receiveLoop() {
	defer s.closeChannels()
	defer s.cancel()

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session was closed locally, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			s.handleBinary(data)
		case websocket.MessageText:
			s.handleText(string(data))
		}
	}
}

// handleBinary strips the audio marker and forwards the PCM payload.
func (s *Session) handleBinary(data []byte) {
	if len(data) < len(audioMarker) || string(data[:len(audioMarker)]) != audioMarker {
		slog.Debug("dropping unmarked binary message", "bytes", len(data))
		return
	}
	pcm := data[len(audioMarker):]
	if len(pcm) == 0 {
		return
	}
	select {
	case s.audioCh <- pcm:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleText(msg string) {
	switch {
	case strings.HasPrefix(msg, textMarker):
		select {
		case s.textCh <- strings.TrimPrefix(msg, textMarker):
		case <-s.ctx.Done():
		}
	case strings.HasPrefix(msg, ackMarker):
		slog.Debug("relay ack", "ack", strings.TrimPrefix(msg, ackMarker))
	default:
		slog.Debug("dropping unmarked text message", "len", len(msg))
	}
}

// keepaliveLoop sends WebSocket pings to keep the relay connection alive
// through idle periods.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// SendAudio delivers one uplink packet (16 kHz, s16le, mono) to the relay as
// a binary message.
func (s *Session) SendAudio(frame []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("session: send audio: %w", err)
	}
	return nil
}

// SendText delivers a typed conversation message to the relay.
func (s *Session) SendText(msg string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, []byte(textMarker+msg)); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// Audio returns the channel on which downlink PCM chunks (24 kHz, s16le,
// mono, marker stripped) arrive. Closed when the session ends.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Texts returns the channel on which relay text messages arrive, marker
// stripped. Closed when the session ends.
func (s *Session) Texts() <-chan string { return s.textCh }

// Err returns the first non-nil error that caused the session to terminate,
// or nil after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session: closed")
	}
	return nil
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.textCh)
	})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
