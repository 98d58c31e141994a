package audio

import (
	"encoding/binary"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// Playback renders received audio chunks with interrupt-and-replace
// semantics: a new chunk stops whatever is still rendering and takes its
// place. Translated speech is a live stream, not a playlist; latency wins
// over continuity and nothing is ever queued.
type Playback struct {
	// bufMu guards only the pending samples; the device data callback takes
	// it on every period, so device teardown must never hold it.
	bufMu sync.Mutex
	buf   []byte // pending PCM16 LE
	pos   int

	devMu  sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	rate   int
	closed bool
}

func NewPlayback() *Playback {
	return &Playback{}
}

// Play decodes payload and replaces the current rendering with it. Payloads
// start with a self-describing chunk header; anything that fails to decode
// is logged and dropped, never aborting the session. Only mono chunks are
// rendered.
func (p *Playback) Play(payload []byte) {
	chunk, err := DecodeChunk(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "audio.playback").
			Int("bytes", len(payload)).Msg("dropping undecodable chunk")
		return
	}
	if chunk.Channels != 1 {
		log.Warn().Str("module", "audio.playback").
			Int("channels", chunk.Channels).Msg("dropping non-mono chunk")
		return
	}

	if err := p.ensureDevice(chunk.Rate); err != nil {
		log.Error().Err(err).Str("module", "audio.playback").Msg("open playback device")
		return
	}

	pcm := make([]byte, len(chunk.Samples)*2)
	for i, s := range chunk.Samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	// Interrupt-and-replace: discard whatever is left of the previous chunk.
	p.bufMu.Lock()
	p.buf = pcm
	p.pos = 0
	p.bufMu.Unlock()
}

// ensureDevice opens (or reopens, when the chunk rate changed) the speaker.
func (p *Playback) ensureDevice(rate int) error {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.closed {
		return &DeviceError{Op: "playback", Err: errClosed}
	}
	if p.device != nil && p.rate == rate {
		return nil
	}
	p.releaseDeviceLocked()

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return &DeviceError{Op: "context", Err: err}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(rate)
	cfg.Alsa.NoMMap = 1

	onSend := func(out, _ []byte, _ uint32) {
		p.bufMu.Lock()
		n := copy(out, p.buf[p.pos:])
		p.pos += n
		p.bufMu.Unlock()
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceError{Op: "playback init", Err: err}
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return &DeviceError{Op: "playback start", Err: err}
	}

	p.mctx = mctx
	p.device = device
	p.rate = rate
	log.Info().Str("module", "audio.playback").Int("rate", rate).Msg("playback device opened")
	return nil
}

// caller holds p.devMu.
func (p *Playback) releaseDeviceLocked() {
	if p.device != nil {
		p.device.Uninit()
		p.device = nil
	}
	if p.mctx != nil {
		_ = p.mctx.Uninit()
		p.mctx.Free()
		p.mctx = nil
	}
	p.rate = 0
}

// Teardown stops any in-flight rendering and releases the speaker.
// Idempotent.
func (p *Playback) Teardown() {
	p.bufMu.Lock()
	p.buf = nil
	p.pos = 0
	p.bufMu.Unlock()

	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.releaseDeviceLocked()
	log.Info().Str("module", "audio.playback").Msg("playback torn down")
}
