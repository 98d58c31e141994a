package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// DefaultWindow is the number of device samples accumulated before a frame
// is downsampled and emitted.
const DefaultWindow = 4096

// FrameSink receives wire-ready frames: mono PCM16 samples at WireRate.
// The slice is owned by the sink after the call.
type FrameSink func(pcm []int16)

// Capture acquires the microphone, accumulates fixed windows of device
// samples, downsamples each window to the wire rate and hands the result
// to the sink. One Capture serves one call; it is not restartable.
type Capture struct {
	deviceRate int
	window     int

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	stopped bool
}

// NewCapture prepares a capture pipeline reading the microphone at
// deviceRate. Nothing is acquired until Start.
func NewCapture(deviceRate, window int) *Capture {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Capture{deviceRate: deviceRate, window: window}
}

// Start acquires the microphone and begins delivering frames to sink.
// Failure to open the device is a *DeviceError and must terminate the
// call attempt. If ctx is already done by the time the device is ready
// (the session ended while we were initialising), everything is released
// immediately and ctx.Err() is returned.
func (c *Capture) Start(ctx context.Context, sink FrameSink) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return &DeviceError{Op: "context", Err: err}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.deviceRate)
	cfg.Alsa.NoMMap = 1

	win := make([]float32, 0, c.window)
	onRecv := func(_, in []byte, frameCount uint32) {
		for i := uint32(0); i < frameCount; i++ {
			bits := binary.LittleEndian.Uint32(in[i*4:])
			win = append(win, math.Float32frombits(bits))
		}
		for len(win) >= c.window {
			samples, err := Downsample(win[:c.window], c.deviceRate, WireRate)
			if err != nil {
				log.Error().Err(err).Str("module", "audio.capture").Msg("downsample")
				win = win[:0]
				return
			}
			win = append(win[:0], win[c.window:]...)
			sink(samples)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceError{Op: "capture init", Err: err}
	}

	if ctx.Err() != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return ctx.Err()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceError{Op: "capture start", Err: err}
	}

	c.mu.Lock()
	if c.stopped {
		// Stop raced with a slow device init; release right away.
		c.mu.Unlock()
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	c.mctx = mctx
	c.device = device
	c.mu.Unlock()

	log.Info().Str("module", "audio.capture").
		Int("device_rate", c.deviceRate).Int("window", c.window).
		Msg("microphone capture started")
	return nil
}

// Stop releases the microphone. Idempotent and safe to call even if Start
// failed part-way or has not completed yet.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	device := c.device
	mctx := c.mctx
	c.device = nil
	c.mctx = nil
	c.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
		mctx.Free()
	}
	log.Info().Str("module", "audio.capture").Msg("microphone capture stopped")
}
