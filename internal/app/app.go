// Package app wires all Vocalink subsystems into a running voice client.
//
// The App owns the full pipeline: microphone blocks flow through the
// resampler into the uplink send queue, downlink PCM flows into the playback
// ring, and the output device drains the ring. A Reconnector keeps the relay
// session alive across drops.
//
// For testing, inject a mock relay dialer and fake device streams via
// functional options (WithDialFunc, WithCaptureOpener, WithOutputOpener).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalink/internal/config"
	"github.com/MrWong99/vocalink/internal/device"
	"github.com/MrWong99/vocalink/internal/health"
	"github.com/MrWong99/vocalink/internal/observe"
	"github.com/MrWong99/vocalink/internal/resilience"
	"github.com/MrWong99/vocalink/internal/session"
	"github.com/MrWong99/vocalink/pkg/audio/playback"
	"github.com/MrWong99/vocalink/pkg/audio/resample"
)

// outboundQueueSize bounds the uplink send queue. Roughly one second of
// packets; beyond that, stale audio is dropped rather than delivered late.
const outboundQueueSize = 32

// Stream is the controllable face of an audio device stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// CaptureOpener opens a capture stream. Swappable in tests.
type CaptureOpener func(cfg device.CaptureConfig, onBlock func([]float32)) (Stream, error)

// OutputOpener opens a playback stream. Swappable in tests.
type OutputOpener func(cfg device.OutputConfig, fill func([]float32)) (Stream, error)

// Summary is a snapshot of the pipeline counters, logged when a session ends.
type Summary struct {
	FramesSent     int64
	FramesDropped  int64
	ChunksReceived int64
	SamplesDropped int64
	TextsSent      int64
	TextsReceived  int64
}

// App owns all subsystem lifetimes and orchestrates the voice pipeline.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	res     *resample.Resampler
	ring    *playback.Ring
	reconn  *session.Reconnector
	breaker *resilience.Breaker
	dial    session.DialFunc

	openCapture CaptureOpener
	openOutput  OutputOpener

	outbound chan []byte
	newSess  chan *session.Session
	events   chan playback.Event

	framesSent     atomic.Int64
	framesDropped  atomic.Int64
	chunksReceived atomic.Int64
	samplesDropped atomic.Int64
	textsSent      atomic.Int64
	textsReceived  atomic.Int64
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDialFunc injects the relay dialer, e.g. one pointing at a mock relay.
func WithDialFunc(d session.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithCaptureOpener injects the capture device opener.
func WithCaptureOpener(o CaptureOpener) Option {
	return func(a *App) { a.openCapture = o }
}

// WithOutputOpener injects the output device opener.
func WithOutputOpener(o OutputOpener) Option {
	return func(a *App) { a.openOutput = o }
}

// New creates an App from cfg. The capture resampler, playback ring, and
// reconnector are built here; devices and the relay session are opened in
// [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		outbound: make(chan []byte, outboundQueueSize),
		newSess:  make(chan *session.Session, 1),
		events:   make(chan playback.Event, 128),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.openCapture == nil {
		a.openCapture = func(cfg device.CaptureConfig, onBlock func([]float32)) (Stream, error) {
			return device.OpenCapture(cfg, onBlock)
		}
	}
	if a.openOutput == nil {
		a.openOutput = func(cfg device.OutputConfig, fill func([]float32)) (Stream, error) {
			return device.OpenOutput(cfg, fill)
		}
	}

	res, err := resample.New(cfg.Audio.CaptureRate)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.res = res

	rate := cfg.Audio.PlaybackRate
	a.ring = playback.New(rate,
		playback.WithCapacity(msToSamples(cfg.Audio.RingCapacityMS, rate)),
		playback.WithInitialBuffer(msToSamples(cfg.Audio.InitialBufferMS, rate)),
		playback.WithRebufferThreshold(msToSamples(cfg.Audio.RebufferMS, rate)),
		playback.WithEventHandler(a.forwardEvent),
	)

	if a.dial == nil {
		a.dial = func(ctx context.Context) (*session.Session, error) {
			return session.Dial(ctx, cfg.Server.URL,
				session.WithAPIKey(cfg.Server.APIKey),
				session.WithConnectTimeout(cfg.Server.ConnectTimeout),
			)
		}
	}
	a.reconn = session.NewReconnector(session.ReconnectorConfig{
		Dial:        a.dial,
		OnReconnect: a.onReconnect,
	})
	a.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:   "uplink",
		OnOpen: a.reconn.NotifyDisconnect,
	})

	return a, nil
}

func msToSamples(ms, rate int) int {
	return ms * rate / 1000
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the relay, opens the audio devices, and blocks until ctx is
// cancelled or a subsystem fails. The session counters are logged on exit.
func (a *App) Run(ctx context.Context) error {
	start := time.Now()
	sess, err := a.reconn.Connect(ctx)
	if err != nil {
		a.metrics.RecordSessionError(ctx, "dial")
		return fmt.Errorf("app: connect relay: %w", err)
	}
	a.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	slog.Info("relay connected", "url", a.cfg.Server.URL, "elapsed", time.Since(start))

	a.reconn.Monitor(ctx)
	a.newSess <- sess

	capture, err := a.openCapture(device.CaptureConfig{
		SampleRate: a.cfg.Audio.CaptureRate,
		DeviceName: a.cfg.Audio.InputDevice,
	}, a.onCaptureBlock)
	if err != nil {
		a.reconn.Stop()
		return fmt.Errorf("app: open capture: %w", err)
	}
	defer capture.Close()

	output, err := a.openOutput(device.OutputConfig{
		SampleRate: a.cfg.Audio.PlaybackRate,
		DeviceName: a.cfg.Audio.OutputDevice,
	}, a.FillOutput)
	if err != nil {
		a.reconn.Stop()
		return fmt.Errorf("app: open output: %w", err)
	}
	defer output.Close()

	if err := capture.Start(); err != nil {
		a.reconn.Stop()
		return fmt.Errorf("app: start capture: %w", err)
	}
	defer capture.Stop()
	if err := output.Start(); err != nil {
		a.reconn.Stop()
		return fmt.Errorf("app: start output: %w", err)
	}
	defer output.Stop()

	slog.Info("audio pipeline running",
		"capture_rate", a.cfg.Audio.CaptureRate,
		"playback_rate", a.cfg.Audio.PlaybackRate,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sendLoop(gctx) })
	g.Go(func() error { return a.sessionLoop(gctx) })
	g.Go(func() error { return a.eventLoop(gctx) })
	if a.cfg.Metrics.Enabled {
		g.Go(func() error { return a.serveAdmin(gctx) })
	}

	err = g.Wait()
	a.reconn.Stop()
	a.logSummary(time.Since(start))
	return err
}

// ─── Capture path ────────────────────────────────────────────────────────────

// onCaptureBlock runs on the capture device thread: resample, packetize,
// enqueue. Complete packets go to the send queue; everything here must stay
// non-blocking.
func (a *App) onCaptureBlock(block []float32) {
	for _, frame := range a.res.ProcessBlock(block) {
		a.enqueueFrame(resample.EncodeFrame(frame))
	}
}

// enqueueFrame adds one uplink packet, dropping the oldest queued packet when
// the queue is full. Delivering stale audio late is worse than losing it.
func (a *App) enqueueFrame(buf []byte) {
	for {
		select {
		case a.outbound <- buf:
			return
		default:
		}
		select {
		case <-a.outbound:
			a.framesDropped.Add(1)
			a.metrics.FramesDropped.Add(context.Background(), 1)
		default:
		}
	}
}

// sendLoop forwards queued uplink packets to the current relay session.
func (a *App) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-a.outbound:
			sess := a.reconn.Session()
			if sess == nil {
				// Mid-reconnect; the mic keeps running, the audio is lost.
				a.framesDropped.Add(1)
				a.metrics.FramesDropped.Add(ctx, 1)
				continue
			}
			err := a.breaker.Execute(func() error { return sess.SendAudio(frame) })
			if errors.Is(err, resilience.ErrOpen) {
				a.framesDropped.Add(1)
				a.metrics.FramesDropped.Add(ctx, 1)
				continue
			}
			if err != nil {
				slog.Warn("uplink send failed", "err", err)
				a.metrics.RecordSessionError(ctx, "send")
				continue
			}
			a.framesSent.Add(1)
			a.metrics.FramesSent.Add(ctx, 1)
		}
	}
}

// ─── Playback path ───────────────────────────────────────────────────────────

// sessionLoop drains each relay session in turn, requesting reconnection
// whenever one ends outside of shutdown.
func (a *App) sessionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sess := <-a.newSess:
			a.drainSession(ctx, sess)
			if ctx.Err() != nil {
				return nil
			}
			a.reconn.NotifyDisconnect()
		}
	}
}

// drainSession consumes a session's downlink until both channels close.
func (a *App) drainSession(ctx context.Context, sess *session.Session) {
	audioCh, textCh := sess.Audio(), sess.Texts()
	for audioCh != nil || textCh != nil {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-audioCh:
			if !ok {
				audioCh = nil
				continue
			}
			a.handleChunk(ctx, chunk)
		case msg, ok := <-textCh:
			if !ok {
				textCh = nil
				continue
			}
			a.textsReceived.Add(1)
			a.metrics.RecordTextMessage(ctx, "received")
			slog.Info("assistant", "text", msg)
		}
	}

	if err := sess.Err(); err != nil {
		slog.Warn("relay session ended", "err", err)
		a.metrics.RecordSessionError(ctx, "receive")
	} else {
		slog.Info("relay session closed")
	}
}

// handleChunk feeds one downlink PCM chunk into the playback ring, accounting
// for samples the ring will evict on overflow.
func (a *App) handleChunk(ctx context.Context, chunk []byte) {
	samples := len(chunk) / 2
	if over := a.ring.Buffered() + samples - a.ring.Capacity(); over > 0 {
		a.samplesDropped.Add(int64(over))
		a.metrics.SamplesDropped.Add(ctx, int64(over))
	}
	a.ring.Push(chunk)
	a.chunksReceived.Add(1)
	a.metrics.ChunksReceived.Add(ctx, 1)
}

// onReconnect starts playback and the uplink breaker fresh on the new
// session.
func (a *App) onReconnect(sess *session.Session) {
	a.ring.Reset()
	a.breaker.Reset()
	select {
	case a.newSess <- sess:
	default:
	}
}

// FillOutput is the output device callback: it fills out with the next block
// of playback samples.
func (a *App) FillOutput(out []float32) {
	a.ring.Pull(out)
}

// ─── Events ──────────────────────────────────────────────────────────────────

// forwardEvent runs on the ring's hot paths; it must never block, so a full
// event queue loses the event.
func (a *App) forwardEvent(ev playback.Event) {
	select {
	case a.events <- ev:
	default:
	}
}

// eventLoop translates ring events into logs and metrics.
func (a *App) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			switch v := ev.(type) {
			case playback.StateChange:
				slog.Info("playback state changed",
					"transition", v.Transition.String(),
					"buffered_samples", v.BufferedSamples,
				)
				a.metrics.RecordStateTransition(ctx, v.Transition.String())
			case playback.Stats:
				slog.Debug("playback stats",
					"buffering", v.Buffering,
					"buffered_samples", v.BufferedSamples,
					"buffered_ms", v.BufferedMS,
				)
				a.metrics.BufferedAudio.Record(ctx, float64(v.BufferedMS))
			}
		}
	}
}

// ─── Controls ────────────────────────────────────────────────────────────────

// SendText delivers a typed message to the relay.
func (a *App) SendText(msg string) error {
	sess := a.reconn.Session()
	if sess == nil {
		return errors.New("app: not connected")
	}
	if err := sess.SendText(msg); err != nil {
		return err
	}
	a.textsSent.Add(1)
	a.metrics.RecordTextMessage(context.Background(), "sent")
	return nil
}

// SetMuted silences playback without touching buffer state.
func (a *App) SetMuted(m bool) { a.ring.SetMuted(m) }

// Muted reports whether playback is muted.
func (a *App) Muted() bool { return a.ring.Muted() }

// SetVolume sets playback volume in [0, 1].
func (a *App) SetVolume(v float64) { a.ring.SetVolume(v) }

// Volume returns the current playback volume.
func (a *App) Volume() float64 { return a.ring.Volume() }

// Summary returns a snapshot of the pipeline counters.
func (a *App) Summary() Summary {
	return Summary{
		FramesSent:     a.framesSent.Load(),
		FramesDropped:  a.framesDropped.Load(),
		ChunksReceived: a.chunksReceived.Load(),
		SamplesDropped: a.samplesDropped.Load(),
		TextsSent:      a.textsSent.Load(),
		TextsReceived:  a.textsReceived.Load(),
	}
}

func (a *App) logSummary(elapsed time.Duration) {
	s := a.Summary()
	slog.Info("session summary",
		"duration", elapsed.Round(time.Second),
		"frames_sent", s.FramesSent,
		"frames_dropped", s.FramesDropped,
		"chunks_received", s.ChunksReceived,
		"samples_dropped", s.SamplesDropped,
		"texts_sent", s.TextsSent,
		"texts_received", s.TextsReceived,
	)
}

// ─── Admin endpoints ─────────────────────────────────────────────────────────

// serveAdmin exposes /metrics, /healthz, and /readyz until ctx is cancelled.
func (a *App) serveAdmin(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		health.Checker{Name: "relay", Check: func(context.Context) error {
			sess := a.reconn.Session()
			if sess == nil {
				return errors.New("not connected")
			}
			return sess.Err()
		}},
	)
	h.Register(mux)

	srv := &http.Server{
		Addr:    a.cfg.Metrics.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("admin endpoints listening", "addr", a.cfg.Metrics.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: admin server: %w", err)
	}
}
