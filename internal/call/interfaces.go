// Package call orchestrates one call session at a time: it merges
// signaling messages, negotiation callbacks and audio events into a single
// event loop, drives the call state machine, and commands the channel,
// negotiation and audio pipelines.
package call

import (
	"context"

	"github.com/keylan/babelcall/internal/audio"
	"github.com/keylan/babelcall/internal/protocol"
)

// Signaling is the slice of the signaling channel the machine drives.
type Signaling interface {
	Send(protocol.Message) error
	SendAudio(payload []byte) error
}

// Negotiator owns one peer media session per call attempt.
type Negotiator interface {
	CreateOffer() (string, error)
	AcceptOfferAndAnswer(offer string) (string, error)
	ApplyAnswer(answer string) error
	AddRemoteCandidate(protocol.Candidate) error
	OnLocalCandidate(func(protocol.Candidate))
	OnFailure(func(error))
	Close()
}

// NegotiatorFactory builds a fresh Negotiator for a call attempt. The sid
// is the session generation token, used for log correlation.
type NegotiatorFactory func(sid string) (Negotiator, error)

// Capture is the microphone pipeline for one session.
type Capture interface {
	Start(ctx context.Context, sink audio.FrameSink) error
	Stop()
}

// Playback is the renderer for inbound (translated) audio for one session.
type Playback interface {
	Play(payload []byte)
	Teardown()
}

// Deps wires the machine to its collaborators. The factories are invoked
// once per session; the resulting resources never outlive it.
type Deps struct {
	Channel     Signaling
	Negotiate   NegotiatorFactory
	NewCapture  func() Capture
	NewPlayback func() Playback
}
