// Package resample converts variable-rate float32 capture audio into the
// fixed-rate, fixed-size int16 packets the conversational service expects.
//
// A [Resampler] is driven by the capture device: each capture callback hands
// it one block of samples, and it returns zero or more complete packets. The
// packetizer accumulates across calls, so packet boundaries are independent of
// capture block boundaries.
package resample

import (
	"encoding/binary"
	"fmt"
)

const (
	// TargetRate is the fixed output sample rate in Hz.
	TargetRate = 16000

	// FrameSamples is the number of int16 samples per emitted packet.
	FrameSamples = 512

	// FrameBytes is the wire size of one packet (s16le).
	FrameBytes = FrameSamples * 2
)

// Resampler converts float32 PCM blocks at a fixed input rate to 16 kHz int16
// packets of [FrameSamples] samples using single-segment linear interpolation.
//
// The interpolation cursor restarts at 0.0 for every input block rather than
// carrying the fractional remainder forward. This introduces a small periodic
// discontinuity at block joins; it is kept intentionally so output matches the
// established wire behaviour sample-for-sample.
//
// Not safe for concurrent use; drive it from a single capture callback.
type Resampler struct {
	inputRate int
	ratio     float64
	acc       []int16
}

// New creates a Resampler for capture audio at inputRate Hz.
func New(inputRate int) (*Resampler, error) {
	if inputRate <= 0 {
		return nil, fmt.Errorf("resample: input rate %d must be positive", inputRate)
	}
	return &Resampler{
		inputRate: inputRate,
		ratio:     float64(inputRate) / float64(TargetRate),
		acc:       make([]int16, 0, FrameSamples),
	}, nil
}

// InputRate returns the configured capture rate in Hz.
func (r *Resampler) InputRate() int { return r.inputRate }

// Pending returns the number of samples currently held in the partial packet
// accumulator. Useful for tests and diagnostics.
func (r *Resampler) Pending() int { return len(r.acc) }

// ProcessBlock resamples one capture block and returns every packet completed
// by it, in order. An empty block is a no-op and returns nil. A partially
// filled packet persists in the accumulator until a later block completes it.
//
// Ownership of returned packets transfers to the caller; the accumulator is
// replaced after each emission.
func (r *Resampler) ProcessBlock(input []float32) [][]int16 {
	if len(input) == 0 {
		return nil
	}

	var frames [][]int16
	limit := float64(len(input))

	for idx := 0.0; idx < limit; idx += r.ratio {
		low := int(idx)
		high := low + 1
		if high >= len(input) {
			// Clamp at the block tail: the interpolation window never
			// spans a block boundary.
			high = len(input) - 1
		}
		frac := idx - float64(low)
		s := float64(input[low])*(1-frac) + float64(input[high])*frac

		r.acc = append(r.acc, quantize(s))
		if len(r.acc) == FrameSamples {
			frames = append(frames, r.acc)
			r.acc = make([]int16, 0, FrameSamples)
		}
	}
	return frames
}

// Reset discards any partially accumulated packet. Stopping a session is
// destructive: trailing partial packets are dropped, never flushed.
func (r *Resampler) Reset() {
	r.acc = r.acc[:0]
}

// quantize clamps s to [-1, 1] and converts it to int16. Negative values scale
// by 32768 and non-negative values by 32767, matching the asymmetry of the
// int16 range.
func quantize(s float64) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodeFrame serialises one packet as little-endian int16 bytes ready for
// the network sender.
func EncodeFrame(frame []int16) []byte {
	buf := make([]byte, len(frame)*2)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
