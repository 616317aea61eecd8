// Package playback provides the jitter-absorbing ring buffer that decouples
// bursty network arrival of synthesized PCM from the fixed cadence of the
// audio output device.
//
// The ring is a single-producer/single-consumer structure: exactly one writer
// context (the network arrival callback) calls [Ring.Push] and exactly one
// reader context (the output device callback) calls [Ring.Pull]. Indices and
// the occupancy count are atomics, keeping both hot paths wait-free — neither
// side ever blocks on a lock, allocates, or performs I/O.
//
// A two-state machine governs what the reader emits: in Buffering the output
// is silence until enough audio has been pre-buffered; in Playing the ring
// drains, substituting zeros only for momentary underruns, and drops back to
// Buffering when occupancy falls below the rebuffer threshold.
package playback

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"
)

const (
	// DefaultInitialBuffer is the pre-buffer threshold before playback
	// starts, as a fraction of a second of audio.
	DefaultInitialBuffer = 300 * time.Millisecond

	// DefaultRebufferThreshold is the occupancy below which playback drops
	// back to Buffering.
	DefaultRebufferThreshold = 150 * time.Millisecond

	// DefaultCapacity is the ring capacity in seconds of audio.
	DefaultCapacity = 5 * time.Second

	// DefaultStatsInterval is the minimum wall-clock gap between Stats
	// events.
	DefaultStatsInterval = 500 * time.Millisecond
)

// State is the playback state of the ring.
type State int32

const (
	// Buffering emits silence unconditionally while audio accumulates.
	Buffering State = iota

	// Playing drains buffered samples to the output device.
	Playing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Buffering:
		return "BUFFERING"
	case Playing:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// Transition identifies a state-machine edge.
type Transition int

const (
	// PlayingStart fires when pre-buffering completes and playback begins.
	PlayingStart Transition = iota

	// BufferingRestart fires when occupancy falls below the rebuffer
	// threshold and the ring returns to Buffering.
	BufferingRestart
)

// String returns the wire name of the transition.
func (t Transition) String() string {
	switch t {
	case PlayingStart:
		return "PLAYING_START"
	case BufferingRestart:
		return "BUFFERING_RESTART"
	default:
		return "UNKNOWN"
	}
}

// Event is the tagged variant type for ring observability. Concrete cases are
// [StateChange] and [Stats]; consumers dispatch with a type switch.
type Event interface {
	event()
}

// StateChange is emitted exactly once per state-machine transition.
type StateChange struct {
	Transition      Transition
	BufferedSamples int
}

func (StateChange) event() {}

// Stats is advisory telemetry emitted at most once per stats interval,
// carrying a snapshot of ring occupancy.
type Stats struct {
	Buffering       bool
	BufferedSamples int
	BufferedMS      int
}

func (Stats) event() {}

// Option configures a [Ring] during construction.
type Option func(*Ring)

// WithCapacity sets the ring capacity in samples. The default is five seconds
// of audio at the playback rate.
func WithCapacity(samples int) Option {
	return func(r *Ring) {
		if samples > 0 {
			r.capacity = samples
		}
	}
}

// WithInitialBuffer sets the pre-buffer threshold in samples that moves the
// ring from Buffering to Playing.
func WithInitialBuffer(samples int) Option {
	return func(r *Ring) {
		if samples > 0 {
			r.initial = samples
		}
	}
}

// WithRebufferThreshold sets the occupancy in samples below which a read
// drops the ring back to Buffering.
func WithRebufferThreshold(samples int) Option {
	return func(r *Ring) {
		if samples > 0 {
			r.rebuffer = samples
		}
	}
}

// WithEventHandler registers the callback that receives [Event] values.
// The handler runs on the writer and reader hot paths and must not block;
// forward to a buffered channel if the consumer is slow.
func WithEventHandler(h func(Event)) Option {
	return func(r *Ring) {
		r.handler = h
	}
}

// WithStatsInterval overrides the minimum wall-clock gap between Stats
// events. Useful in tests.
func WithStatsInterval(d time.Duration) Option {
	return func(r *Ring) {
		if d > 0 {
			r.statsInterval = d
		}
	}
}

// WithClock overrides the wall-clock source used for the stats interval.
// Tests use this to make Stats emission deterministic.
func WithClock(now func() time.Time) Option {
	return func(r *Ring) {
		if now != nil {
			r.now = now
		}
	}
}

// Ring is a fixed-capacity circular store of float32 samples in [-1, 1].
//
// Safe for one concurrent writer ([Ring.Push]) and one concurrent reader
// ([Ring.Pull]); control methods ([Ring.SetMuted], [Ring.SetVolume],
// [Ring.Reset]) may be called from any goroutine.
type Ring struct {
	sampleRate    int
	capacity      int
	initial       int
	rebuffer      int
	statsInterval time.Duration
	handler       func(Event)
	now           func() time.Time

	// data has one spare slot so writeIdx == readIdx after a write means
	// full, distinguishing a full ring from an empty one.
	data []float32

	writeIdx atomic.Int64
	readIdx  atomic.Int64
	buffered atomic.Int64
	state    atomic.Int32

	muted  atomic.Bool
	volume atomic.Uint64 // math.Float64bits

	lastStats time.Time // reader-only
}

// New creates a Ring for playback audio at sampleRate Hz. The initial state
// is Buffering with zero occupancy and volume 1.0.
func New(sampleRate int, opts ...Option) *Ring {
	r := &Ring{
		sampleRate:    sampleRate,
		capacity:      samplesFor(DefaultCapacity, sampleRate),
		initial:       samplesFor(DefaultInitialBuffer, sampleRate),
		rebuffer:      samplesFor(DefaultRebufferThreshold, sampleRate),
		statsInterval: DefaultStatsInterval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.data = make([]float32, r.capacity+1)
	r.volume.Store(math.Float64bits(1.0))
	return r
}

// samplesFor converts a duration at rate Hz to a whole sample count.
func samplesFor(d time.Duration, rate int) int {
	return int(d.Milliseconds()) * rate / 1000
}

// Capacity returns the ring capacity in samples.
func (r *Ring) Capacity() int { return r.capacity }

// Buffered returns the current number of unread samples.
func (r *Ring) Buffered() int { return int(r.buffered.Load()) }

// State returns the current playback state.
func (r *Ring) State() State { return State(r.state.Load()) }

// Muted reports whether output is muted.
func (r *Ring) Muted() bool { return r.muted.Load() }

// Volume returns the current output volume in [0, 1].
func (r *Ring) Volume() float64 { return math.Float64frombits(r.volume.Load()) }

// SetMuted silences output without touching buffer occupancy.
func (r *Ring) SetMuted(m bool) { r.muted.Store(m) }

// SetVolume sets the output volume, clamped to [0, 1]. Volume scales emitted
// amplitude only; it never changes occupancy accounting.
func (r *Ring) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	r.volume.Store(math.Float64bits(v))
}

// Push decodes chunk as little-endian int16 PCM and appends it to the ring.
// An odd trailing byte is truncated silently; interrupting playback over one
// stray byte is worse than losing it. When the writer catches up to the
// oldest unread sample, that sample is dropped — deliberate backpressure, not
// a fault.
//
// After the whole chunk is stored, the Buffering → Playing transition is
// evaluated once.
func (r *Ring) Push(chunk []byte) {
	n := len(chunk) &^ 1
	size := int64(len(r.data))

	for i := 0; i < n; i += 2 {
		s := float32(int16(binary.LittleEndian.Uint16(chunk[i:]))) / 32767
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}

		w := r.writeIdx.Load()
		r.data[w] = s
		w = (w + 1) % size
		r.writeIdx.Store(w)

		if w == r.readIdx.Load() {
			// Full: overwrite the oldest unread sample. Occupancy is
			// already at capacity, so the count stays put.
			r.readIdx.Store((w + 1) % size)
		} else if b := r.buffered.Add(1); b > int64(r.capacity) {
			r.buffered.Store(int64(r.capacity))
		}
	}

	if State(r.state.Load()) == Buffering && r.buffered.Load() >= int64(r.initial) {
		r.state.Store(int32(Playing))
		r.emit(StateChange{Transition: PlayingStart, BufferedSamples: r.Buffered()})
	}
}

// Pull fills out with the next block of playback samples. Called once per
// output device period.
//
// In Buffering the block is silence and no ring state changes. In Playing
// each slot drains one sample if available, else emits zero (a soft underrun,
// never an error). The Playing → Buffering transition is evaluated once after
// the block is filled, against the rebuffer threshold — an empty read alone
// does not force a transition.
func (r *Ring) Pull(out []float32) {
	if State(r.state.Load()) == Buffering {
		for i := range out {
			out[i] = 0
		}
		r.maybeEmitStats()
		return
	}

	size := int64(len(r.data))
	for i := range out {
		if r.buffered.Load() > 0 {
			ri := r.readIdx.Load()
			out[i] = r.data[ri]
			r.readIdx.Store((ri + 1) % size)
			r.buffered.Add(-1)
		} else {
			out[i] = 0
		}
	}

	if r.buffered.Load() < int64(r.rebuffer) {
		r.state.Store(int32(Buffering))
		r.emit(StateChange{Transition: BufferingRestart, BufferedSamples: r.Buffered()})
	}

	// Mute/volume scale amplitude only; occupancy accounting above is
	// already done.
	mult := float32(r.Volume())
	if r.muted.Load() {
		mult = 0
	}
	if mult != 1 {
		for i := range out {
			out[i] *= mult
		}
	}

	r.maybeEmitStats()
}

// Reset zeroes indices, occupancy, and state. Stop is immediate and
// destructive: buffered audio is discarded, nothing drains. Mute and volume
// survive a reset.
func (r *Ring) Reset() {
	r.writeIdx.Store(0)
	r.readIdx.Store(0)
	r.buffered.Store(0)
	r.state.Store(int32(Buffering))
}

// maybeEmitStats emits a Stats event when the stats interval has elapsed.
// Reader-only: lastStats needs no synchronisation.
func (r *Ring) maybeEmitStats() {
	if r.handler == nil {
		return
	}
	now := r.now()
	if !r.lastStats.IsZero() && now.Sub(r.lastStats) < r.statsInterval {
		return
	}
	r.lastStats = now

	buffered := r.Buffered()
	r.emit(Stats{
		Buffering:       r.State() == Buffering,
		BufferedSamples: buffered,
		BufferedMS:      buffered * 1000 / r.sampleRate,
	})
}

func (r *Ring) emit(ev Event) {
	if r.handler != nil {
		r.handler(ev)
	}
}
