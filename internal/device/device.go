// Package device wraps PortAudio capture and playback streams for the voice
// client.
//
// Both directions run callback-driven: the capture stream hands float32
// blocks to the pipeline at the device's native rate, and the output stream
// pulls float32 blocks from the playback buffer at a fixed cadence. Callbacks
// execute on PortAudio's audio thread and must not block.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// DefaultBlockSize is the per-callback frame count used when a config leaves
// it unset.
const DefaultBlockSize = 1024

// Initialize prepares the PortAudio host API. Call once before opening
// streams.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("device: initialize portaudio: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio host API. Call once after all streams are
// closed.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("device: terminate portaudio: %w", err)
	}
	return nil
}

// findDevice resolves a device by case-insensitive name substring, or the
// system default when name is empty.
func findDevice(name string, wantInput bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if wantInput {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list devices: %w", err)
	}
	needle := strings.ToLower(name)
	for _, d := range devs {
		if !strings.Contains(strings.ToLower(d.Name), needle) {
			continue
		}
		if wantInput && d.MaxInputChannels > 0 {
			return d, nil
		}
		if !wantInput && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	kind := "output"
	if wantInput {
		kind = "input"
	}
	return nil, fmt.Errorf("device: no %s device matching %q", kind, name)
}

// CaptureConfig configures a microphone stream.
type CaptureConfig struct {
	// SampleRate is the rate the device is opened at, in Hz.
	SampleRate int

	// DeviceName selects the device by name substring. Empty means the
	// system default input.
	DeviceName string

	// BlockSize is the frame count per callback. Defaults to
	// [DefaultBlockSize].
	BlockSize int
}

// Capture is an open mono float32 microphone stream.
type Capture struct {
	stream *portaudio.Stream
}

// OpenCapture opens the capture device and registers onBlock to receive each
// mono float32 block. The block slice is reused between callbacks; onBlock
// must not retain it.
func OpenCapture(cfg CaptureConfig, onBlock func(block []float32)) (*Capture, error) {
	if onBlock == nil {
		return nil, errors.New("device: capture callback is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: capture rate %d must be positive", cfg.SampleRate)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	dev, err := findDevice(cfg.DeviceName, true)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		onBlock(in)
	})
	if err != nil {
		return nil, fmt.Errorf("device: open capture stream on %q: %w", dev.Name, err)
	}
	return &Capture{stream: stream}, nil
}

// Start begins delivering capture callbacks.
func (c *Capture) Start() error {
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("device: start capture: %w", err)
	}
	return nil
}

// Stop halts capture callbacks. The stream can be started again.
func (c *Capture) Stop() error {
	if err := c.stream.Stop(); err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}

// Close releases the stream.
func (c *Capture) Close() error {
	return c.stream.Close()
}

// OutputConfig configures a playback stream.
type OutputConfig struct {
	// SampleRate is the rate the device is opened at, in Hz.
	SampleRate int

	// DeviceName selects the device by name substring. Empty means the
	// system default output.
	DeviceName string

	// BlockSize is the frame count per callback. Defaults to
	// [DefaultBlockSize].
	BlockSize int
}

// Output is an open mono float32 playback stream.
type Output struct {
	stream *portaudio.Stream
}

// OpenOutput opens the playback device and registers fill to produce each
// mono float32 block. fill must completely fill the slice it is given.
func OpenOutput(cfg OutputConfig, fill func(out []float32)) (*Output, error) {
	if fill == nil {
		return nil, errors.New("device: output callback is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("device: playback rate %d must be positive", cfg.SampleRate)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}

	dev, err := findDevice(cfg.DeviceName, false)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	stream, err := portaudio.OpenStream(params, func(out []float32) {
		fill(out)
	})
	if err != nil {
		return nil, fmt.Errorf("device: open output stream on %q: %w", dev.Name, err)
	}
	return &Output{stream: stream}, nil
}

// Start begins pulling playback callbacks.
func (o *Output) Start() error {
	if err := o.stream.Start(); err != nil {
		return fmt.Errorf("device: start output: %w", err)
	}
	return nil
}

// Stop halts playback callbacks. The stream can be started again.
func (o *Output) Stop() error {
	if err := o.stream.Stop(); err != nil {
		return fmt.Errorf("device: stop output: %w", err)
	}
	return nil
}

// Close releases the stream.
func (o *Output) Close() error {
	return o.stream.Close()
}
